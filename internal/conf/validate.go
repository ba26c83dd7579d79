// conf/validate.go settings validation
package conf

import (
	"time"

	"github.com/RGBOARD/webapp/internal/errors"
)

// ValidateSettings checks the loaded settings for values the application
// cannot run with. It normalizes out-of-range rotation values back to
// their defaults rather than failing startup for them.
func ValidateSettings(settings *Settings) error {
	if !settings.Output.SQLite.Enabled && !settings.Output.MySQL.Enabled {
		return errors.Newf("no database output enabled, enable either sqlite or mysql").
			Component("conf").
			Category(errors.CategoryConfiguration).
			Build()
	}

	if settings.Main.TimeZone != "" {
		if _, err := time.LoadLocation(settings.Main.TimeZone); err != nil {
			return errors.New(err).
				Component("conf").
				Category(errors.CategoryConfiguration).
				Context("timezone", settings.Main.TimeZone).
				Build()
		}
	}

	r := &settings.Rotation
	if r.MinDuration <= 0 {
		r.MinDuration = 30
	}
	if r.DefaultDuration < r.MinDuration {
		r.DefaultDuration = r.MinDuration
	}
	if r.DefaultTTLHours <= 0 {
		r.DefaultTTLHours = 24
	}
	if r.PromotionInterval <= 0 {
		r.PromotionInterval = 5
	}
	if r.ExpiryInterval <= 0 {
		r.ExpiryInterval = 60
	}
	if r.CheckInterval <= 0 {
		r.CheckInterval = 1
	}
	if r.PageSize <= 0 {
		r.PageSize = 6
	}
	if r.SuggestionStep <= 0 {
		r.SuggestionStep = 5
	}
	if r.SuggestionWindow <= 0 {
		r.SuggestionWindow = 120
	}
	if r.MaxWorkers <= 0 {
		r.MaxWorkers = 10
	}

	return nil
}
