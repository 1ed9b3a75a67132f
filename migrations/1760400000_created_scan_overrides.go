package migrations

import (
	"github.com/pocketbase/pocketbase/core"
	m "github.com/pocketbase/pocketbase/migrations"
)

func init() {
	m.Register(func(app core.App) error {
		collection := core.NewBaseCollection("scan_overrides")

		collection.Fields.Add(
			&core.TextField{Name: "scan_id", Required: true, Max: 128},
			&core.TextField{Name: "ticket_id", Required: true, Max: 128},
			&core.TextField{Name: "event_id", Max: 128},
			&core.TextField{Name: "device_id", Required: true, Max: 128},
			&core.TextField{Name: "staff_id", Max: 128},
			&core.TextField{Name: "activated_by", Required: true},
			&core.TextField{Name: "reason", Required: true},
			&core.TextField{Name: "bypassed"},
			&core.BoolField{Name: "offline"},
			&core.DateField{Name: "at", Required: true},
			&core.AutodateField{Name: "created", OnCreate: true},
		)

		collection.AddIndex("idx_scan_overrides_scan_id", true, "scan_id", "")
		collection.AddIndex("idx_scan_overrides_device_at", false, "device_id, at", "")

		return app.Save(collection)
	}, func(app core.App) error {
		collection, err := app.FindCollectionByNameOrId("scan_overrides")
		if err != nil {
			return err
		}
		return app.Delete(collection)
	})
}
