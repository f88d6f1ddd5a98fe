package cricket

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// BallsPerOver is the number of legal deliveries in an over.
const BallsPerOver = 6

var (
	// ErrInvalidBall reports a malformed ball number or ball event.
	ErrInvalidBall = errors.New("invalid ball")
	// ErrInvalidScore reports an impossible score snapshot or scorecard.
	ErrInvalidScore = errors.New("invalid score")
)

// BallNumber identifies a delivery as over.ball, where Ball is 1..6 and Over
// counts completed overs (0.1 is the first ball of an innings).
type BallNumber struct {
	Over int `json:"over"`
	Ball int `json:"ball"`
}

// NewBallNumber validates the over and ball components.
func NewBallNumber(over, ball int) (BallNumber, error) {
	if over < 0 {
		return BallNumber{}, fmt.Errorf("%w: over %d must be >= 0", ErrInvalidBall, over)
	}
	if ball < 1 || ball > BallsPerOver {
		return BallNumber{}, fmt.Errorf("%w: ball %d must be within 1..%d", ErrInvalidBall, ball, BallsPerOver)
	}
	return BallNumber{Over: over, Ball: ball}, nil
}

// ParseBallNumber accepts the "N.B" notation used by scoreboards.
func ParseBallNumber(s string) (BallNumber, error) {
	overPart, ballPart, ok := strings.Cut(strings.TrimSpace(s), ".")
	if !ok {
		return BallNumber{}, fmt.Errorf("%w: %q is not in over.ball form", ErrInvalidBall, s)
	}
	over, err := strconv.Atoi(overPart)
	if err != nil {
		return BallNumber{}, fmt.Errorf("%w: over in %q: %v", ErrInvalidBall, s, err)
	}
	ball, err := strconv.Atoi(ballPart)
	if err != nil {
		return BallNumber{}, fmt.Errorf("%w: ball in %q: %v", ErrInvalidBall, s, err)
	}
	return NewBallNumber(over, ball)
}

// BallNumberFromFloat converts the decimal encoding N.B (e.g. 9.4).
func BallNumberFromFloat(f float64) (BallNumber, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
		return BallNumber{}, fmt.Errorf("%w: %v", ErrInvalidBall, f)
	}
	tenths := int(math.Round(f * 10))
	return NewBallNumber(tenths/10, tenths%10)
}

// TotalBalls returns over*6 + ball.
func (b BallNumber) TotalBalls() int {
	return b.Over*BallsPerOver + b.Ball
}

// Next returns the following delivery; ball 6 wraps to the next over.
func (b BallNumber) Next() BallNumber {
	if b.Ball >= BallsPerOver {
		return BallNumber{Over: b.Over + 1, Ball: 1}
	}
	return BallNumber{Over: b.Over, Ball: b.Ball + 1}
}

// IsZero reports whether the value was never set.
func (b BallNumber) IsZero() bool {
	return b.Over == 0 && b.Ball == 0
}

func (b BallNumber) String() string {
	return fmt.Sprintf("%d.%d", b.Over, b.Ball)
}

// BallGap returns the number of deliveries skipped between prev and next,
// clamped at zero.
func BallGap(prev, next BallNumber) int {
	gap := next.TotalBalls() - prev.TotalBalls() - 1
	if gap < 0 {
		return 0
	}
	return gap
}

// Overs counts completed overs plus balls of the current over (0..5), as in
// "12.3 overs".
type Overs struct {
	Completed int `json:"completed"`
	Balls     int `json:"balls"`
}

// ParseOvers accepts "12", "12.3", or a decimal value formatted as text.
func ParseOvers(s string) (Overs, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Overs{}, nil
	}
	overPart, ballPart, hasBalls := strings.Cut(s, ".")
	completed, err := strconv.Atoi(overPart)
	if err != nil || completed < 0 {
		return Overs{}, fmt.Errorf("%w: overs %q", ErrInvalidScore, s)
	}
	balls := 0
	if hasBalls && ballPart != "" {
		balls, err = strconv.Atoi(ballPart)
		if err != nil || balls < 0 || balls >= BallsPerOver {
			return Overs{}, fmt.Errorf("%w: overs %q", ErrInvalidScore, s)
		}
	}
	return Overs{Completed: completed, Balls: balls}, nil
}

// TotalBalls returns the number of legal deliveries bowled.
func (o Overs) TotalBalls() int {
	return o.Completed*BallsPerOver + o.Balls
}

func (o Overs) String() string {
	return fmt.Sprintf("%d.%d", o.Completed, o.Balls)
}
