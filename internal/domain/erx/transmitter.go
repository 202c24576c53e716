package erx

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/carepath/clinsafe/pkg/circuitbreaker"
)

// Result is the pharmacy network's answer to one attempt
type Result struct {
	Sent             bool
	ConfirmationCode string
	Code             string
	Message          string
}

// Transmitter sends a prescription to the pharmacy network. Transport
// problems are reported as a failed Result, not as an error.
type Transmitter interface {
	Transmit(ctx context.Context, r Record) Result
}

// Response codes recorded on failed attempts
const (
	CodeAccepted    = "ACCEPTED"
	CodeUnavailable = "PHARMACY_UNAVAILABLE"
	CodeCircuitOpen = "CIRCUIT_OPEN"
	CodeCanceled    = "CANCELED"
)

// DefaultSuccessProbability is the modeled gateway success rate
const DefaultSuccessProbability = 0.9

// BernoulliTransmitter succeeds with a fixed probability
type BernoulliTransmitter struct {
	p    float64
	mu   sync.Mutex
	rand *rand.Rand
}

// NewBernoulliTransmitter creates a transmitter that succeeds with probability p.
// A nil rng seeds from the runtime.
func NewBernoulliTransmitter(p float64, rng *rand.Rand) *BernoulliTransmitter {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &BernoulliTransmitter{p: p, rand: rng}
}

func (t *BernoulliTransmitter) Transmit(ctx context.Context, _ Record) Result {
	if err := ctx.Err(); err != nil {
		return Result{Code: CodeCanceled, Message: err.Error()}
	}

	t.mu.Lock()
	ok := t.rand.Float64() < t.p
	t.mu.Unlock()

	if !ok {
		return Result{Code: CodeUnavailable, Message: "pharmacy network did not acknowledge the prescription"}
	}
	return Result{
		Sent:             true,
		ConfirmationCode: "RX-" + strings.ToUpper(uuid.NewString()[:8]),
		Code:             CodeAccepted,
		Message:          "prescription accepted",
	}
}

var errTransmissionFailed = errors.New("transmission failed")

// BreakerTransmitter guards another transmitter with a circuit breaker. An
// open circuit is reported as a failed attempt with CodeCircuitOpen.
type BreakerTransmitter struct {
	next    Transmitter
	breaker *circuitbreaker.Breaker
}

// NewBreakerTransmitter wraps next
func NewBreakerTransmitter(next Transmitter, breaker *circuitbreaker.Breaker) *BreakerTransmitter {
	return &BreakerTransmitter{next: next, breaker: breaker}
}

func (t *BreakerTransmitter) Transmit(ctx context.Context, r Record) Result {
	var res Result
	err := t.breaker.Do(ctx, func(ctx context.Context) error {
		res = t.next.Transmit(ctx, r)
		if !res.Sent {
			return fmt.Errorf("%w: %s", errTransmissionFailed, res.Code)
		}
		return nil
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return Result{Code: CodeCircuitOpen, Message: "pharmacy gateway temporarily disabled after repeated failures"}
	}
	return res
}
