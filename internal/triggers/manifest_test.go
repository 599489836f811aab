package triggers

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/watzon/funcbox/internal/functions"
)

func TestFromManifest(t *testing.T) {
	tr, err := FromManifest("notify", functions.ManifestTrigger{On: "Order.created", Filter: "$.total > 100"})
	require.NoError(t, err)
	ev, ok := tr.(*EventTrigger)
	require.True(t, ok)
	require.Equal(t, "Order", ev.Object)
	require.Equal(t, "created", ev.Action)
	require.Equal(t, "$.total > 100", ev.Filter)
	require.Equal(t, "notify", ev.FunctionID)

	tr, err = FromManifest("report", functions.ManifestTrigger{
		Every: "$.Daily",
		Time:  "09:00",
		Input: map[string]any{"kind": "daily"},
	})
	require.NoError(t, err)
	sc, ok := tr.(*ScheduleTrigger)
	require.True(t, ok)
	require.Equal(t, "$.Daily", sc.Schedule)
	require.Equal(t, "09:00", sc.Options.Time)
	require.Equal(t, "daily", sc.Input["kind"])

	_, err = FromManifest("x", functions.ManifestTrigger{On: "Order.created", Every: "$.Daily"})
	if !errors.Is(err, ErrInvalidTrigger) {
		t.Fatalf("expected ErrInvalidTrigger, got %v", err)
	}
}

func TestRegisterManifest(t *testing.T) {
	e, _ := newTestEvaluator(t, EvaluatorConfig{})

	var stored []string
	next := func(_ context.Context, _ string, m *functions.Manifest) error {
		stored = append(stored, m.ID)
		return nil
	}
	handler := RegisterManifest(e, next)

	m := &functions.Manifest{
		ID: "notify",
		Triggers: []functions.ManifestTrigger{
			{On: "Order.created", Filter: "$.total > 100"},
			{Every: "$.Daily", Time: "09:00"},
		},
	}
	require.NoError(t, handler(context.Background(), "notify.yaml", m))
	require.NoError(t, handler(context.Background(), "notify.yaml", m))
	require.Equal(t, []string{"notify", "notify"}, stored)
	require.Len(t, e.List(), 2, "reloading a manifest must not duplicate its triggers")

	m.Triggers = append(m.Triggers, functions.ManifestTrigger{Every: "$.Fortnightly"})
	err := handler(context.Background(), "notify.yaml", m)
	if !errors.Is(err, ErrInvalidTrigger) {
		t.Fatalf("expected ErrInvalidTrigger, got %v", err)
	}

	failing := RegisterManifest(e, func(context.Context, string, *functions.Manifest) error {
		return errors.New("store down")
	})
	require.Error(t, failing(context.Background(), "other.yaml", &functions.Manifest{
		ID:       "other",
		Triggers: []functions.ManifestTrigger{{On: "User.created"}},
	}))
	require.Len(t, e.List(), 2)
}
