package settlement

import (
	"errors"
	"math/bits"
)

// BpsDenominator is the basis-point scale: 10000 bps == 100%.
const BpsDenominator = 10_000

var (
	// ErrOverflow signals that a checked operation would wrap.
	ErrOverflow = errors.New("settlement: arithmetic overflow")
	// ErrInvalidBps signals a basis-point value above BpsDenominator.
	ErrInvalidBps = errors.New("settlement: basis points must be <= 10000")
)

// Shares is the outcome of splitting an amount between payer, payee and fee collector.
// Payer + Fee + Net always equals the amount that was split.
type Shares struct {
	Payer uint64
	Payee uint64
	Fee   uint64
	Net   uint64
}

// Total returns the full amount accounted for by the shares.
func (s Shares) Total() uint64 {
	return s.Payer + s.Payee
}

func Add(a, b uint64) (uint64, error) {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return 0, ErrOverflow
	}
	return sum, nil
}

func Sub(a, b uint64) (uint64, error) {
	diff, borrow := bits.Sub64(a, b, 0)
	if borrow != 0 {
		return 0, ErrOverflow
	}
	return diff, nil
}

// Sum adds every amount with overflow checks.
func Sum(amounts ...uint64) (uint64, error) {
	var total uint64
	for _, a := range amounts {
		next, err := Add(total, a)
		if err != nil {
			return 0, err
		}
		total = next
	}
	return total, nil
}

// ApplyBps returns amount*bps/10000 truncated. The product is computed in 128 bits.
func ApplyBps(amount uint64, bps uint16) (uint64, error) {
	if bps > BpsDenominator {
		return 0, ErrInvalidBps
	}
	hi, lo := bits.Mul64(amount, uint64(bps))
	// hi < BpsDenominator because bps <= BpsDenominator, so Div64 cannot panic.
	quo, _ := bits.Div64(hi, lo, BpsDenominator)
	return quo, nil
}

// Fee splits a payee amount into the protocol fee and the net paid out.
func Fee(amount uint64, feeBps uint16) (fee, net uint64, err error) {
	fee, err = ApplyBps(amount, feeBps)
	if err != nil {
		return 0, 0, err
	}
	net, err = Sub(amount, fee)
	if err != nil {
		return 0, 0, err
	}
	return fee, net, nil
}

// Payee assigns the whole amount to the payee, minus fee.
func Payee(amount uint64, feeBps uint16) (Shares, error) {
	fee, net, err := Fee(amount, feeBps)
	if err != nil {
		return Shares{}, err
	}
	return Shares{Payee: amount, Fee: fee, Net: net}, nil
}

// Refund assigns the whole amount to the payer. Refunds never carry a fee.
func Refund(amount uint64) Shares {
	return Shares{Payer: amount}
}

// Split gives payerBps of amount to the payer and the rest to the payee, fee taken
// from the payee portion only.
func Split(amount uint64, payerBps, feeBps uint16) (Shares, error) {
	payer, err := ApplyBps(amount, payerBps)
	if err != nil {
		return Shares{}, err
	}
	payee, err := Sub(amount, payer)
	if err != nil {
		return Shares{}, err
	}
	fee, net, err := Fee(payee, feeBps)
	if err != nil {
		return Shares{}, err
	}
	return Shares{Payer: payer, Payee: payee, Fee: fee, Net: net}, nil
}

// Halve is the fallback split used when a dispute times out: the payer gets the
// floor half, the payee the remainder net of fee.
func Halve(amount uint64, feeBps uint16) (Shares, error) {
	payer := amount / 2
	payee := amount - payer
	fee, net, err := Fee(payee, feeBps)
	if err != nil {
		return Shares{}, err
	}
	return Shares{Payer: payer, Payee: payee, Fee: fee, Net: net}, nil
}
