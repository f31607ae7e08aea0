// Package settlement pays out withdrawals on the external token rail.
//
// A transfer is split in phases so the caller can persist what it is about to
// broadcast before anything irreversible happens:
//
//	Prepare  builds and signs the transfer; no side effects.
//	Submit   broadcasts the signed payload. Safe to repeat.
//	Confirm  waits for the transfer to land.
//	Status   looks up the outcome later, for reconciliation.
package settlement

import (
	"context"
	"errors"
	"math/big"
)

var (
	// ErrGateway is a definitive failure: nothing was or will be paid.
	ErrGateway = errors.New("settlement failed")
	// ErrGatewayUnknown means the transfer may or may not have gone through.
	ErrGatewayUnknown = errors.New("settlement outcome unknown")
)

// Status is the observed state of a submitted transfer.
type Status string

const (
	StatusPending    Status = "pending"    // known to the network, not yet included
	StatusConfirmed  Status = "confirmed"  // included and succeeded
	StatusReverted   Status = "reverted"   // included and failed
	StatusMissing    Status = "missing"    // unknown to the network; safe to resubmit
	StatusSuperseded Status = "superseded" // its sequence was consumed by another transfer
)

// Prepared is a signed transfer ready to broadcast. Ref identifies it on the
// rail and Seq is the sender sequence (nonce) it occupies.
type Prepared struct {
	Ref     string
	Seq     uint64
	Payload []byte
}

// Gateway is the outbound settlement rail.
type Gateway interface {
	Prepare(ctx context.Context, to string, amount *big.Int) (*Prepared, error)
	Submit(ctx context.Context, p *Prepared) error
	Confirm(ctx context.Context, ref string) error
	Status(ctx context.Context, ref string, seq uint64) (Status, error)
	// Release gives back the sequence of a prepared transfer that will never
	// be submitted.
	Release(p *Prepared)
}

// Transfer prepares, submits and confirms in one call and returns the
// transfer reference.
func Transfer(ctx context.Context, g Gateway, to string, amount *big.Int) (string, error) {
	p, err := g.Prepare(ctx, to, amount)
	if err != nil {
		return "", err
	}
	if err := g.Submit(ctx, p); err != nil {
		return p.Ref, err
	}
	if err := g.Confirm(ctx, p.Ref); err != nil {
		return p.Ref, err
	}
	return p.Ref, nil
}

func validAmount(amount *big.Int) bool {
	return amount != nil && amount.Sign() > 0
}
