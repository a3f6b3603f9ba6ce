package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// Metadata keys written by the ledger itself.
const (
	MetaSource          = "source"
	MetaAdjustedBy      = "adjustedBy"
	MetaReason          = "reason"
	MetaDirection       = "direction"
	MetaPreviousBalance = "previousBalance"
	MetaNewBalance      = "newBalance"
	MetaRequested       = "requested"

	SourceAdminAdjustment = "admin_adjustment"
)

type Direction string

const (
	DirectionAdd      Direction = "add"
	DirectionSubtract Direction = "subtract"
)

func ParseDirection(s string) (Direction, error) {
	switch Direction(strings.ToLower(s)) {
	case DirectionAdd:
		return DirectionAdd, nil
	case DirectionSubtract:
		return DirectionSubtract, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidDirection, s)
}

type AdjustInput struct {
	AdminID   string
	UserID    UserID
	Amount    int64
	Direction Direction
	Reason    string
}

// AdjustmentAuthority is the only path for admin-originated balance changes.
// It adds no storage of its own: it constrains how the engine is called and
// stamps the audit metadata.
//
// previousBalance is read in the same critical section as the sufficiency
// check and the append, so newBalance always equals previousBalance plus the
// signed amount and equals the available balance right after the commit.
type AdjustmentAuthority struct {
	engine *Engine
}

func NewAdjustmentAuthority(e *Engine) *AdjustmentAuthority {
	return &AdjustmentAuthority{engine: e}
}

func (a *AdjustmentAuthority) Adjust(ctx context.Context, in AdjustInput) (_ *Transaction, err error) {
	e := a.engine
	ctx, span := e.startSpan(ctx, "Ledger.Adjust", in.UserID,
		attribute.String("admin_id", in.AdminID),
		attribute.String("direction", string(in.Direction)),
		attribute.Int64("amount", in.Amount))
	defer func() { finishSpan(span, err) }()

	delta, err := a.validate(in)
	if err != nil {
		return nil, err
	}
	reason := strings.TrimSpace(in.Reason)

	var previous int64
	u, err := e.execute(ctx, in.UserID, func(u *unit) error {
		previous = u.acct.Available
		if delta.Kind == Debit && previous < delta.Magnitude {
			return &InsufficientBalanceError{UserID: in.UserID, Required: delta.Magnitude, Available: previous}
		}
		t := u.newTransaction(TypeAdjusted, delta)
		t.Description = reason
		t.Metadata = map[string]string{
			MetaSource:          SourceAdminAdjustment,
			MetaAdjustedBy:      in.AdminID,
			MetaReason:          reason,
			MetaDirection:       string(in.Direction),
			MetaPreviousBalance: strconv.FormatInt(previous, 10),
			MetaNewBalance:      strconv.FormatInt(previous+delta.Signed(), 10),
		}
		return u.append(t)
	})
	if err != nil {
		return nil, err
	}

	e.logger.LogAttrs(ctx, slog.LevelInfo, "audit",
		slog.String("source", SourceAdminAdjustment),
		slog.String("admin_id", in.AdminID),
		slog.String("user_id", string(in.UserID)),
		slog.String("tx_id", string(u.result.ID)),
		slog.String("direction", string(in.Direction)),
		slog.Int64("amount", u.result.Amount),
		slog.String("reason", reason),
		slog.Int64("previous_balance", previous),
		slog.Int64("new_balance", u.acct.Available),
	)
	return u.result, nil
}

func (a *AdjustmentAuthority) validate(in AdjustInput) (Delta, error) {
	if strings.TrimSpace(in.AdminID) == "" {
		return Delta{}, fmt.Errorf("%w: admin id", ErrMissingUser)
	}
	if in.UserID == "" {
		return Delta{}, ErrMissingUser
	}
	if err := validAmount(in.Amount); err != nil {
		return Delta{}, err
	}
	if strings.TrimSpace(in.Reason) == "" {
		return Delta{}, ErrMissingReason
	}
	switch in.Direction {
	case DirectionAdd:
		return CreditOf(in.Amount), nil
	case DirectionSubtract:
		return DebitOf(in.Amount), nil
	}
	return Delta{}, fmt.Errorf("%w: %q", ErrInvalidDirection, in.Direction)
}
