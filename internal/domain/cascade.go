package domain

import (
	"fmt"

	apperrors "github.com/kostush/purchase-gateway-sub005/pkg/errors"
)

// Cascade walks an ordered biller list. The cursor only moves forward, so a
// biller that failed in this attempt is never offered again.
type Cascade struct {
	billers     BillerCollection
	cursor      int
	maxAttempts int
}

// NewCascade builds a cascade positioned on the first biller. maxAttempts of
// zero means every biller may be tried.
func NewCascade(billers BillerCollection, maxAttempts int) (*Cascade, error) {
	if billers.Len() == 0 {
		return nil, apperrors.InvalidInput("cascade requires at least one biller")
	}
	if maxAttempts < 0 {
		return nil, apperrors.InvalidInput(fmt.Sprintf("cascade max attempts must not be negative, got %d", maxAttempts))
	}
	return &Cascade{billers: billers, maxAttempts: maxAttempts}, nil
}

func restoreCascade(billers BillerCollection, cursor, maxAttempts int) (*Cascade, error) {
	c, err := NewCascade(billers, maxAttempts)
	if err != nil {
		return nil, err
	}
	if cursor < 0 || cursor > billers.Len() {
		return nil, fmt.Errorf("cascade cursor %d out of range for %d billers", cursor, billers.Len())
	}
	c.cursor = cursor
	return c, nil
}

// Current returns the biller to try next, or false when exhausted.
func (c *Cascade) Current() (Biller, bool) {
	if c.IsExhausted() {
		return "", false
	}
	return c.billers.At(c.cursor), true
}

// Next moves past the current biller.
func (c *Cascade) Next() {
	if c.cursor < c.billers.Len() {
		c.cursor++
	}
}

func (c *Cascade) IsExhausted() bool {
	if c.cursor >= c.billers.Len() {
		return true
	}
	return c.maxAttempts > 0 && c.cursor >= c.maxAttempts
}

// Attempted returns the billers already passed over.
func (c *Cascade) Attempted() []Biller {
	return c.billers.Billers()[:c.cursor]
}

func (c *Cascade) Cursor() int               { return c.cursor }
func (c *Cascade) MaxAttempts() int          { return c.maxAttempts }
func (c *Cascade) Billers() BillerCollection { return c.billers }
