package models

import (
	"fmt"
	"time"
)

// Action is the discriminant of an instruction.
type Action string

const (
	ActionNone      Action = "none"
	ActionOpen      Action = "open"
	ActionClose     Action = "close"
	ActionModify    Action = "modify"
	ActionBreakEven Action = "breakeven"
	ActionTrail     Action = "trail"
)

// InstructionStatus is the delivery state of an instruction.
type InstructionStatus string

const (
	InstructionPending InstructionStatus = "pending"
	InstructionSent    InstructionStatus = "sent"
)

// Default priorities; higher is delivered first.
const (
	PriorityClose     = 100
	PriorityBreakEven = 80
	PriorityTrail     = 60
	PriorityModify    = 50
	PriorityOpen      = 40
)

// Instruction is the stored row of a queued agent command. The payload
// columns are written and read only through a Command.
type Instruction struct {
	ID           uint              `gorm:"primaryKey" json:"id"`
	ConnectionID uint              `json:"connectionId" gorm:"column:connection_id;index:idx_instr_poll,priority:1"`
	Status       InstructionStatus `json:"status" gorm:"index:idx_instr_poll,priority:2"`
	Priority     int               `json:"priority" gorm:"index:idx_instr_poll,priority:3"`
	Action       Action            `json:"action"`

	Ticket     int64     `json:"ticket,omitempty"`
	Symbol     string    `json:"symbol,omitempty"`
	Type       Direction `json:"type,omitempty"`
	Size       float64   `json:"size,omitempty"`
	StopLoss   float64   `json:"stopLoss,omitempty" gorm:"column:stop_loss"`
	TakeProfit float64   `json:"takeProfit,omitempty" gorm:"column:take_profit"`
	TP1        float64   `json:"tp1,omitempty" gorm:"column:tp1"`
	TP2        float64   `json:"tp2,omitempty" gorm:"column:tp2"`
	TP3        float64   `json:"tp3,omitempty" gorm:"column:tp3"`
	TP4        float64   `json:"tp4,omitempty" gorm:"column:tp4"`

	SentAt    *time.Time `json:"sentAt,omitempty" gorm:"column:sent_at"`
	CreatedAt time.Time  `json:"createdAt" gorm:"column:created_at"`
}

// TableName specifies the table name for Instruction model
func (Instruction) TableName() string {
	return "instructions"
}

// Command is one instruction variant. Each variant carries exactly the
// payload its action needs.
type Command interface {
	Action() Action
	Validate() error
	apply(in *Instruction)
}

type OpenCommand struct {
	Symbol     string    `json:"symbol"`
	Type       Direction `json:"type"`
	Size       float64   `json:"size"`
	StopLoss   float64   `json:"stopLoss"`
	TakeProfit float64   `json:"takeProfit"`
	TP1        float64   `json:"tp1,omitempty"`
	TP2        float64   `json:"tp2,omitempty"`
	TP3        float64   `json:"tp3,omitempty"`
	TP4        float64   `json:"tp4,omitempty"`
}

type CloseCommand struct {
	Ticket int64 `json:"ticket"`
}

type ModifyCommand struct {
	Ticket     int64   `json:"ticket"`
	StopLoss   float64 `json:"stopLoss"`
	TakeProfit float64 `json:"takeProfit"`
}

type BreakEvenCommand struct {
	Ticket   int64   `json:"ticket"`
	StopLoss float64 `json:"stopLoss"`
}

type TrailCommand struct {
	Ticket   int64   `json:"ticket"`
	StopLoss float64 `json:"stopLoss"`
}

func (OpenCommand) Action() Action      { return ActionOpen }
func (CloseCommand) Action() Action     { return ActionClose }
func (ModifyCommand) Action() Action    { return ActionModify }
func (BreakEvenCommand) Action() Action { return ActionBreakEven }
func (TrailCommand) Action() Action     { return ActionTrail }

func (c OpenCommand) Validate() error {
	if c.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if c.Type != DirectionBuy && c.Type != DirectionSell {
		return fmt.Errorf("type must be buy or sell")
	}
	if c.Size <= 0 {
		return fmt.Errorf("size must be positive")
	}
	return nil
}

func (c CloseCommand) Validate() error { return validTicket(c.Ticket) }

func (c ModifyCommand) Validate() error {
	if err := validTicket(c.Ticket); err != nil {
		return err
	}
	if c.StopLoss < 0 || c.TakeProfit < 0 {
		return fmt.Errorf("prices must not be negative")
	}
	return nil
}

func (c BreakEvenCommand) Validate() error { return validStop(c.Ticket, c.StopLoss) }
func (c TrailCommand) Validate() error     { return validStop(c.Ticket, c.StopLoss) }

func validTicket(ticket int64) error {
	if ticket <= 0 {
		return fmt.Errorf("ticket is required")
	}
	return nil
}

func validStop(ticket int64, sl float64) error {
	if err := validTicket(ticket); err != nil {
		return err
	}
	if sl <= 0 {
		return fmt.Errorf("stopLoss must be positive")
	}
	return nil
}

func (c OpenCommand) apply(in *Instruction) {
	in.Symbol, in.Type, in.Size = c.Symbol, c.Type, c.Size
	in.StopLoss, in.TakeProfit = c.StopLoss, c.TakeProfit
	in.TP1, in.TP2, in.TP3, in.TP4 = c.TP1, c.TP2, c.TP3, c.TP4
}

func (c CloseCommand) apply(in *Instruction) { in.Ticket = c.Ticket }

func (c ModifyCommand) apply(in *Instruction) {
	in.Ticket, in.StopLoss, in.TakeProfit = c.Ticket, c.StopLoss, c.TakeProfit
}

func (c BreakEvenCommand) apply(in *Instruction) { in.Ticket, in.StopLoss = c.Ticket, c.StopLoss }
func (c TrailCommand) apply(in *Instruction)     { in.Ticket, in.StopLoss = c.Ticket, c.StopLoss }

// NewInstruction builds a pending row for cmd.
func NewInstruction(connectionID uint, cmd Command, priority int) *Instruction {
	in := &Instruction{
		ConnectionID: connectionID,
		Status:       InstructionPending,
		Priority:     priority,
		Action:       cmd.Action(),
	}
	cmd.apply(in)
	return in
}

// Command decodes the row back into its variant.
func (in *Instruction) Command() (Command, error) {
	switch in.Action {
	case ActionOpen:
		return OpenCommand{
			Symbol: in.Symbol, Type: in.Type, Size: in.Size,
			StopLoss: in.StopLoss, TakeProfit: in.TakeProfit,
			TP1: in.TP1, TP2: in.TP2, TP3: in.TP3, TP4: in.TP4,
		}, nil
	case ActionClose:
		return CloseCommand{Ticket: in.Ticket}, nil
	case ActionModify:
		return ModifyCommand{Ticket: in.Ticket, StopLoss: in.StopLoss, TakeProfit: in.TakeProfit}, nil
	case ActionBreakEven:
		return BreakEvenCommand{Ticket: in.Ticket, StopLoss: in.StopLoss}, nil
	case ActionTrail:
		return TrailCommand{Ticket: in.Ticket, StopLoss: in.StopLoss}, nil
	}
	return nil, fmt.Errorf("unknown instruction action %q", in.Action)
}

// Delivery is what a poll hands to the agent.
type Delivery struct {
	InstructionID uint
	Command       Command
}

// PollResponse flattens a delivery into the agent wire shape
// {"action": ..., ...payload}.
func PollResponse(d *Delivery) map[string]interface{} {
	if d == nil {
		return map[string]interface{}{"action": ActionNone}
	}
	out := map[string]interface{}{
		"action":        d.Command.Action(),
		"instructionId": d.InstructionID,
	}
	switch c := d.Command.(type) {
	case OpenCommand:
		out["symbol"], out["type"], out["size"] = c.Symbol, c.Type, c.Size
		out["stopLoss"], out["takeProfit"] = c.StopLoss, c.TakeProfit
		out["tp1"], out["tp2"], out["tp3"], out["tp4"] = c.TP1, c.TP2, c.TP3, c.TP4
	case CloseCommand:
		out["ticket"] = c.Ticket
	case ModifyCommand:
		out["ticket"], out["stopLoss"], out["takeProfit"] = c.Ticket, c.StopLoss, c.TakeProfit
	case BreakEvenCommand:
		out["ticket"], out["stopLoss"] = c.Ticket, c.StopLoss
	case TrailCommand:
		out["ticket"], out["stopLoss"] = c.Ticket, c.StopLoss
	}
	return out
}

// ManualInstructionRequest is the user-facing body for enqueueing a command.
type ManualInstructionRequest struct {
	Action     Action    `json:"action"`
	Priority   *int      `json:"priority,omitempty"`
	Ticket     int64     `json:"ticket,omitempty"`
	Symbol     string    `json:"symbol,omitempty"`
	Type       Direction `json:"type,omitempty"`
	Size       float64   `json:"size,omitempty"`
	StopLoss   float64   `json:"stopLoss,omitempty"`
	TakeProfit float64   `json:"takeProfit,omitempty"`
	TP1        float64   `json:"tp1,omitempty"`
	TP2        float64   `json:"tp2,omitempty"`
	TP3        float64   `json:"tp3,omitempty"`
	TP4        float64   `json:"tp4,omitempty"`
}

// Command maps a manual request onto a variant. Break-even and trail are
// engine-only.
func (r ManualInstructionRequest) Command() (Command, int, error) {
	var (
		cmd      Command
		priority int
	)
	switch r.Action {
	case ActionOpen:
		cmd = OpenCommand{
			Symbol: r.Symbol, Type: r.Type, Size: r.Size,
			StopLoss: r.StopLoss, TakeProfit: r.TakeProfit,
			TP1: r.TP1, TP2: r.TP2, TP3: r.TP3, TP4: r.TP4,
		}
		priority = PriorityOpen
	case ActionClose:
		cmd = CloseCommand{Ticket: r.Ticket}
		priority = PriorityClose
	case ActionModify:
		cmd = ModifyCommand{Ticket: r.Ticket, StopLoss: r.StopLoss, TakeProfit: r.TakeProfit}
		priority = PriorityModify
	default:
		return nil, 0, fmt.Errorf("action must be one of open, close, modify")
	}
	if r.Priority != nil {
		priority = *r.Priority
	}
	return cmd, priority, cmd.Validate()
}
