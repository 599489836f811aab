package triggers

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/watzon/funcbox/internal/functions"
)

// FromManifest converts a trigger declared in a function manifest. The
// trigger invokes the latest version of functionID.
func FromManifest(functionID string, mt functions.ManifestTrigger) (Trigger, error) {
	if err := mt.Validate(); err != nil {
		return nil, invalid("%v", err)
	}

	if mt.On != "" {
		object, action, _ := strings.Cut(mt.On, ".")
		return On(object, action).
			Where(mt.Filter).
			WithContext(mt.Context).
			Invoke(functionID), nil
	}

	return Every(mt.Every, &Options{Day: mt.Day, Time: mt.Time, Timezone: mt.Timezone}).
		WithInput(mt.Input).
		Invoke(functionID), nil
}

// RegisterManifest wraps next so that the triggers a manifest declares are
// registered once next has stored its definition. Trigger ids are derived
// from their declaration, so reloading an unchanged manifest is a no-op.
func RegisterManifest(e *Evaluator, next functions.ManifestHandler) functions.ManifestHandler {
	return func(ctx context.Context, path string, m *functions.Manifest) error {
		if err := next(ctx, path, m); err != nil {
			return err
		}

		var errs []error
		for i, mt := range m.Triggers {
			t, err := FromManifest(m.ID, mt)
			if err == nil {
				_, err = e.Register(ctx, t)
			}
			if err != nil {
				errs = append(errs, fmt.Errorf("triggers[%d]: %w", i, err))
			}
		}
		return errors.Join(errs...)
	}
}
