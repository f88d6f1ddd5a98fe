package pipeline

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-cricket-fleet/internal/cricket"
)

func TestScoreParser_ScoreAndBall(t *testing.T) {
	t.Parallel()

	var rec Record
	require.NoError(t, json.Unmarshal([]byte(`{
		"sequence": 57,
		"innings": 2,
		"runs": "143",
		"wickets": 4,
		"overs": "17.3",
		"target": 180,
		"required_rate": "14.8",
		"ball": "17.3",
		"ball_runs": 4,
		"wicket": {"player_out": "", "kind": ""}
	}`), &rec))

	res, err := NewScoreParser(FieldMap{}).Parse("m1", rec)
	require.NoError(t, err)
	require.NotNil(t, res.Score)
	require.NotNil(t, res.Ball)

	require.Equal(t, 143, res.Score.Runs)
	require.Equal(t, 4, res.Score.Wickets)
	require.Equal(t, cricket.Overs{Completed: 17, Balls: 3}, res.Score.Overs)
	require.Equal(t, 180, *res.Score.Target)
	require.InDelta(t, 14.8, *res.Score.RequiredRate, 1e-9)
	require.InDelta(t, 8.17, res.Score.RunRate, 1e-9)

	require.Equal(t, cricket.BallNumber{Over: 17, Ball: 3}, res.Ball.Ball)
	require.Equal(t, 4, res.Ball.Runs)
	require.EqualValues(t, 57, res.Ball.Sequence)
	require.Nil(t, res.Ball.Wicket)
}

func TestScoreParser_CustomFieldsAndWicket(t *testing.T) {
	t.Parallel()

	p := NewScoreParser(FieldMap{
		MatchID:      "fixture.id",
		Ball:         "delivery.number",
		BallRuns:     "delivery.runs",
		WicketPlayer: "delivery.dismissed",
		WicketKind:   "delivery.how",
		Sequence:     "seq",
	})
	rec := Record{
		"fixture":  map[string]any{"id": "ind-aus-3"},
		"seq":      json.Number("12"),
		"delivery": map[string]any{"number": 1.6, "runs": 0, "dismissed": "Smith", "how": "lbw"},
	}
	res, err := p.Parse("fallback", rec)
	require.NoError(t, err)
	require.Nil(t, res.Score)
	require.Equal(t, "ind-aus-3", res.Ball.MatchID)
	require.Equal(t, cricket.BallNumber{Over: 1, Ball: 6}, res.Ball.Ball)
	require.Equal(t, &cricket.Wicket{PlayerOut: "Smith", Kind: "lbw"}, res.Ball.Wicket)
}

func TestScoreParser_NoBallIsNotAnError(t *testing.T) {
	t.Parallel()

	res, err := NewScoreParser(FieldMap{}).Parse("m1", Record{"commentary": "rain delay"})
	require.NoError(t, err)
	require.True(t, res.Empty())
}

func TestScoreParser_DerivesSequence(t *testing.T) {
	t.Parallel()

	res, err := NewScoreParser(FieldMap{}).Parse("m1", Record{"runs": 10, "overs": 2.0, "ball": "1.6", "ball_runs": 1})
	require.NoError(t, err)
	require.Equal(t, DeriveSequence(1, 12), res.Score.Sequence)
	require.Equal(t, res.Score.Sequence, res.Ball.Sequence)
}

func TestScoreParser_RejectsInvalidValues(t *testing.T) {
	t.Parallel()

	p := NewScoreParser(FieldMap{})
	tests := []struct {
		name string
		rec  Record
		err  error
	}{
		{"eleven wickets", Record{"runs": 100, "wickets": 11}, cricket.ErrInvalidScore},
		{"ball seven", Record{"ball": "3.7"}, cricket.ErrInvalidBall},
		{"eight runs", Record{"ball": "3.1", "ball_runs": 8}, cricket.ErrInvalidBall},
		{"target in first innings", Record{"runs": 10, "target": 150}, cricket.ErrInvalidScore},
		{"text runs", Record{"runs": "lots"}, nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := p.Parse("m1", tc.rec)
			require.Error(t, err)
			if tc.err != nil {
				require.ErrorIs(t, err, tc.err)
			}
		})
	}
}
