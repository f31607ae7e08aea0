// Package awards credits marks in response to outside events: a helper
// completing a boosted survey, a confirmed marks purchase, and a creator
// staking a boost.
package awards

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/surveyhelp/backend/internal/ledger"
	"github.com/surveyhelp/backend/internal/metrics"
	"github.com/surveyhelp/backend/internal/models"
	"github.com/surveyhelp/backend/internal/rates"
)

const (
	CommissionPercent = 4
	SurveyBoostMax    = 500
)

var (
	ErrUnknownPackage  = errors.New("unknown marks package")
	ErrPaymentMismatch = errors.New("payment amount does not match package price")
	ErrExceedsCap      = errors.New("purchase would exceed the marks cap")
)

// Distribution splits a survey boost pool. For every survey
// Commission + PerHelper*goal + Remainder == boost.
type Distribution struct {
	Commission int
	PerHelper  int
	Remainder  int
}

// Distribute computes the commission and per-helper reward for a boost.
func Distribute(boost, goal int) (Distribution, error) {
	if boost < 0 || boost > SurveyBoostMax {
		return Distribution{}, fmt.Errorf("%w: boost must be between 0 and %d", rates.ErrValidation, SurveyBoostMax)
	}
	if goal <= 0 {
		return Distribution{}, fmt.Errorf("%w: goal count must be > 0", rates.ErrValidation)
	}
	commission := boost * CommissionPercent / 100
	per := (boost - commission) / goal
	return Distribution{
		Commission: commission,
		PerHelper:  per,
		Remainder:  boost - commission - per*goal,
	}, nil
}

// Engine turns outside events into ledger credits.
type Engine struct {
	store *ledger.Store
	log   *zap.Logger
}

func NewEngine(store *ledger.Store, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{store: store, log: log}
}

// HelpEvent reports that a helper completed a survey.
type HelpEvent struct {
	UserID   uuid.UUID
	SurveyID uuid.UUID
	Boost    int
	Goal     int
}

type HelpResult struct {
	Awarded    int  `json:"awarded"`
	Commission int  `json:"commission"`
	Forfeited  int  `json:"forfeited"`
	Balance    int  `json:"new_balance"`
	Replayed   bool `json:"replayed,omitempty"`
}

// AwardSurveyHelp credits the helper's share of the boost pool. The first
// award for a survey also books the platform commission and the rounding
// remainder; marks the helper could not take because of the cap go to the
// platform too. A repeated event for the same helper and survey returns the
// original award without touching balances.
func (e *Engine) AwardSurveyHelp(ctx context.Context, ev HelpEvent) (HelpResult, error) {
	d, err := Distribute(ev.Boost, ev.Goal)
	if err != nil {
		return HelpResult{}, err
	}
	if ev.Boost == 0 {
		return HelpResult{}, nil
	}
	survey := ev.SurveyID.String()
	helpNonce := fmt.Sprintf("survey:%s:help:%s", survey, ev.UserID)

	var res HelpResult
	var commissionBooked bool
	err = e.store.Update(ctx, func(ctx context.Context, t *ledger.Txn) error {
		res = HelpResult{Commission: d.Commission}
		// The row lock orders concurrent deliveries of the same event so
		// the later one sees the earlier award.
		u, err := t.LockUser(ctx, ev.UserID)
		if err != nil {
			return err
		}
		prior, err := t.FindByNonce(ctx, helpNonce)
		if err == nil {
			res.Awarded, res.Replayed = prior.MarksAmount, true
			if prior.BalanceAfter != nil {
				res.Balance = *prior.BalanceAfter
			}
			return nil
		}
		if !errors.Is(err, ledger.ErrNotFound) {
			return err
		}

		entry := func(typ, nonce, kind string) ledger.Entry {
			return ledger.Entry{
				Type:     typ,
				Nonce:    nonce,
				SurveyID: &ev.SurveyID,
				Metadata: map[string]any{"kind": kind, "boost": ev.Boost, "goal": ev.Goal},
			}
		}

		if d.PerHelper > 0 {
			c, err := t.Credit(ctx, ev.UserID, d.PerHelper, entry(models.TxTypeSurveyHelp, helpNonce, "help"))
			if err != nil {
				return err
			}
			res.Awarded, res.Forfeited, res.Balance = c.Credited, c.Forfeited(), c.Balance
		} else {
			res.Balance = u.Marks
		}

		if d.Commission > 0 {
			if commissionBooked, err = t.RecordPlatform(ctx, d.Commission,
				entry(models.TxTypeCommission, "survey:"+survey+":commission", "commission")); err != nil {
				return err
			}
		}
		if d.Remainder > 0 {
			if _, err := t.RecordPlatform(ctx, d.Remainder,
				entry(models.TxTypeCommission, "survey:"+survey+":remainder", "remainder")); err != nil {
				return err
			}
		}
		if res.Forfeited > 0 {
			if _, err := t.RecordPlatform(ctx, res.Forfeited,
				entry(models.TxTypeCommission, fmt.Sprintf("survey:%s:forfeit:%s", survey, ev.UserID), "forfeit")); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return HelpResult{}, err
	}
	if res.Replayed {
		return res, nil
	}

	metrics.Business.MarksCreditedTotal.WithLabelValues(models.TxTypeSurveyHelp).Add(float64(res.Awarded))
	if res.Forfeited > 0 {
		metrics.Business.MarksForfeitedTotal.WithLabelValues(models.TxTypeSurveyHelp).Add(float64(res.Forfeited))
		e.log.Info("survey help award capped",
			zap.String("user_id", ev.UserID.String()),
			zap.String("survey_id", survey),
			zap.Int("awarded", res.Awarded),
			zap.Int("forfeited", res.Forfeited))
	}
	if commissionBooked {
		metrics.Business.CommissionMarksTotal.Add(float64(d.Commission))
	}
	return res, nil
}

// TryAwardSurveyHelp is AwardSurveyHelp for callers whose own flow must not
// fail on an award problem. Errors are logged and reported as ok=false.
func (e *Engine) TryAwardSurveyHelp(ctx context.Context, ev HelpEvent) (HelpResult, bool) {
	res, err := e.AwardSurveyHelp(ctx, ev)
	if err != nil {
		e.log.Warn("survey help award failed",
			zap.String("user_id", ev.UserID.String()),
			zap.String("survey_id", ev.SurveyID.String()),
			zap.Error(err))
		return HelpResult{}, false
	}
	return res, true
}

// StakeBoost debits a survey creator's boost. Each survey can be boosted once.
func (e *Engine) StakeBoost(ctx context.Context, owner, surveyID uuid.UUID, boost int) (int, error) {
	if boost < 1 || boost > SurveyBoostMax {
		return 0, fmt.Errorf("%w: boost must be between 1 and %d", rates.ErrValidation, SurveyBoostMax)
	}
	return e.store.DebitMarks(ctx, owner, boost, ledger.Entry{
		Type:     models.TxTypeSurveyBoost,
		Nonce:    fmt.Sprintf("survey:%s:boost", surveyID),
		SurveyID: &surveyID,
	})
}

// PurchaseRequest is a payment confirmation for a marks package.
type PurchaseRequest struct {
	UserID        uuid.UUID
	PackageID     string
	PaymentRef    string
	TransactionID string
	Amount        decimal.Decimal
}

type PurchaseResult struct {
	Added    int    `json:"marks_added"`
	Balance  int    `json:"new_balance"`
	Package  string `json:"package"`
	Replayed bool   `json:"replayed,omitempty"`
}

// ConfirmPurchase credits a paid package exactly once per transaction id.
// A package that would not fit under the cap is refused whole.
func (e *Engine) ConfirmPurchase(ctx context.Context, req PurchaseRequest) (PurchaseResult, error) {
	pkg, ok := LookupPackage(req.PackageID)
	if !ok {
		return PurchaseResult{}, fmt.Errorf("%w: %w: %q", rates.ErrValidation, ErrUnknownPackage, req.PackageID)
	}
	if req.TransactionID == "" || req.PaymentRef == "" {
		return PurchaseResult{}, fmt.Errorf("%w: transaction id and payment reference are required", rates.ErrValidation)
	}
	if !req.Amount.Equal(pkg.Price) {
		return PurchaseResult{}, fmt.Errorf("%w: %w: got %s, want %s", rates.ErrValidation, ErrPaymentMismatch, req.Amount, pkg.Price)
	}
	nonce := "purchase:" + req.TransactionID

	res := PurchaseResult{Package: pkg.ID}
	err := e.store.Update(ctx, func(ctx context.Context, t *ledger.Txn) error {
		if _, err := t.LockUser(ctx, req.UserID); err != nil {
			return err
		}
		prior, err := t.FindByNonce(ctx, nonce)
		if err == nil {
			if prior.UserID == nil || *prior.UserID != req.UserID {
				return ledger.ErrDuplicateNonce
			}
			res.Added, res.Replayed = prior.MarksAmount, true
			if prior.BalanceAfter != nil {
				res.Balance = *prior.BalanceAfter
			}
			return nil
		}
		if !errors.Is(err, ledger.ErrNotFound) {
			return err
		}

		u, headroom, err := t.Headroom(ctx, req.UserID)
		if err != nil {
			return err
		}
		if headroom < pkg.Marks {
			return fmt.Errorf("%w: can add %d more marks (balance %d/%d)", ErrExceedsCap, headroom, u.Marks, models.MaxMarksCap)
		}
		c, err := t.Credit(ctx, req.UserID, pkg.Marks, ledger.Entry{
			Type:           models.TxTypePurchase,
			Nonce:          nonce,
			ExternalAmount: &pkg.Price,
			ExternalRef:    req.PaymentRef,
			Metadata:       map[string]any{"package": pkg.ID, "transaction_id": req.TransactionID},
		})
		if err != nil {
			return err
		}
		res.Added, res.Balance = c.Credited, c.Balance
		return nil
	})
	if err != nil {
		return PurchaseResult{}, err
	}
	if !res.Replayed {
		metrics.Business.MarksCreditedTotal.WithLabelValues(models.TxTypePurchase).Add(float64(res.Added))
		e.log.Info("marks purchased",
			zap.String("user_id", req.UserID.String()),
			zap.String("package", pkg.ID),
			zap.Int("added", res.Added))
	}
	return res, nil
}

// Eligibility is what a user can still buy.
type Eligibility struct {
	Balance  int       `json:"balance"`
	Headroom int       `json:"headroom"`
	Packages []Package `json:"packages"`
}

func (e *Engine) PurchaseEligibility(ctx context.Context, userID uuid.UUID) (Eligibility, error) {
	var out Eligibility
	err := e.store.Update(ctx, func(ctx context.Context, t *ledger.Txn) error {
		u, headroom, err := t.Headroom(ctx, userID)
		if err != nil {
			return err
		}
		out.Balance, out.Headroom = u.Marks, headroom
		return nil
	})
	if err != nil {
		return Eligibility{}, err
	}
	out.Packages = []Package{}
	for _, p := range catalogue {
		if p.Marks <= out.Headroom {
			out.Packages = append(out.Packages, p)
		}
	}
	return out, nil
}
