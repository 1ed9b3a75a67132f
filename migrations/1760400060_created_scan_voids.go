package migrations

import (
	"github.com/pocketbase/pocketbase/core"
	m "github.com/pocketbase/pocketbase/migrations"
)

func init() {
	m.Register(func(app core.App) error {
		collection := core.NewBaseCollection("scan_voids")

		collection.Fields.Add(
			&core.TextField{Name: "scan_id", Required: true, Max: 128},
			&core.TextField{Name: "ticket_id", Required: true, Max: 128},
			&core.TextField{Name: "event_id", Max: 128},
			&core.TextField{Name: "device_id", Required: true, Max: 128},
			&core.TextField{Name: "winner_device", Max: 128},
			&core.DateField{Name: "winner_time"},
			&core.DateField{Name: "issued_at", Required: true},
			&core.AutodateField{Name: "created", OnCreate: true},
		)

		collection.AddIndex("idx_scan_voids_scan_id", true, "scan_id", "")

		return app.Save(collection)
	}, func(app core.App) error {
		collection, err := app.FindCollectionByNameOrId("scan_voids")
		if err != nil {
			return err
		}
		return app.Delete(collection)
	})
}
