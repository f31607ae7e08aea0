package settlement

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Simulated is an in-process rail for development and tests. Transfers it
// accepts settle immediately unless an outcome or error is injected.
type Simulated struct {
	mu   sync.Mutex
	seq  uint64
	sent map[string]*simTransfer

	// Injected failures; each applies to every call until cleared.
	PrepareErr error
	SubmitErr  error
	ConfirmErr error
	StatusErr  error
	// Outcome is what a submitted transfer resolves to. Defaults to confirmed.
	Outcome Status
}

type simTransfer struct {
	to        string
	amount    *big.Int
	seq       uint64
	submitted int
}

func NewSimulated() *Simulated {
	return &Simulated{sent: make(map[string]*simTransfer), Outcome: StatusConfirmed}
}

func (s *Simulated) Prepare(_ context.Context, to string, amount *big.Int) (*Prepared, error) {
	if !validAmount(amount) {
		return nil, fmt.Errorf("%w: amount must be greater than zero", ErrGateway)
	}
	if !common.IsHexAddress(to) {
		return nil, fmt.Errorf("%w: invalid recipient %q", ErrGateway, to)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.PrepareErr != nil {
		return nil, s.PrepareErr
	}
	seq := s.seq
	s.seq++
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	payload := append(append(common.HexToAddress(to).Bytes(), amount.Bytes()...), buf[:]...)
	ref := crypto.Keccak256Hash(payload).Hex()
	s.sent[ref] = &simTransfer{to: to, amount: new(big.Int).Set(amount), seq: seq}
	return &Prepared{Ref: ref, Seq: seq, Payload: payload}, nil
}

func (s *Simulated) Release(*Prepared) {}

func (s *Simulated) Submit(_ context.Context, p *Prepared) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SubmitErr != nil {
		return s.SubmitErr
	}
	t, ok := s.sent[p.Ref]
	if !ok {
		return fmt.Errorf("%w: unknown transfer %s", ErrGateway, p.Ref)
	}
	t.submitted++
	return nil
}

func (s *Simulated) Confirm(_ context.Context, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ConfirmErr != nil {
		return s.ConfirmErr
	}
	t, ok := s.sent[ref]
	if !ok || t.submitted == 0 {
		return fmt.Errorf("%w: %s was never submitted", ErrGatewayUnknown, ref)
	}
	switch s.Outcome {
	case StatusConfirmed:
		return nil
	case StatusReverted:
		return fmt.Errorf("%w: transfer %s reverted", ErrGateway, ref)
	default:
		return fmt.Errorf("%w: %s is %s", ErrGatewayUnknown, ref, s.Outcome)
	}
}

func (s *Simulated) Status(_ context.Context, ref string, _ uint64) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.StatusErr != nil {
		return "", s.StatusErr
	}
	t, ok := s.sent[ref]
	if !ok || t.submitted == 0 {
		return StatusMissing, nil
	}
	return s.Outcome, nil
}

// Submissions returns how many times ref was broadcast.
func (s *Simulated) Submissions(ref string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.sent[ref]; ok {
		return t.submitted
	}
	return 0
}

// Paid returns the amount sent to addr across transfers that were submitted
// and resolve as confirmed.
func (s *Simulated) Paid(addr string) *big.Int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := new(big.Int)
	if s.Outcome != StatusConfirmed {
		return total
	}
	for _, t := range s.sent {
		if t.submitted > 0 && common.HexToAddress(t.to) == common.HexToAddress(addr) {
			total.Add(total, t.amount)
		}
	}
	return total
}
