package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/monorkin/equipment-inventory/internal/models"
	"github.com/monorkin/equipment-inventory/internal/store"
)

type demoSite struct {
	name    string
	devices []string
}

var demoSites = []demoSite{
	{name: "Workshop", devices: []string{"Drill press", "Band saw", "Welder", "Air compressor", "Bench grinder"}},
	{name: "Lab", devices: []string{"Oscilloscope", "Bench supply", "Signal generator", "Soldering station"}},
	{name: "Office", devices: []string{"Printer", "Scanner", "Projector"}},
}

// SEED_GRID_WIDTH is how many devices a seeded row holds.
const SEED_GRID_WIDTH = 3

// Seed fills the store with a small demo inventory. Sites that already
// exist are reused and occupied cells are overwritten.
func (a *App) Seed(ctx context.Context) (store.Counts, error) {
	for _, demo := range demoSites {
		site, err := a.Store.AddSite(ctx, demo.name)
		if errors.Is(err, store.ErrDuplicateName) {
			site, err = a.findSite(ctx, demo.name)
		}
		if err != nil {
			return store.Counts{}, fmt.Errorf("failed to seed site %q: %w", demo.name, err)
		}

		for i, name := range demo.devices {
			_, err := a.Store.UpsertDevice(ctx, store.DeviceInput{
				SiteID:    site.ID,
				PositionX: i%SEED_GRID_WIDTH + 1,
				PositionY: i/SEED_GRID_WIDTH + 1,
				Name:      name,
				Info:      fmt.Sprintf("%s #%d", demo.name, i+1),
			})
			if err != nil {
				a.Logger.Error("Failed to seed device", zap.String("device", name), zap.Error(err))
				continue
			}
		}
	}

	counts, err := a.Store.Counts(ctx)
	if err != nil {
		return store.Counts{}, err
	}
	a.Logger.Info("Seeded demo inventory", zap.Int64("sites", counts.Sites), zap.Int64("devices", counts.Devices))
	return counts, nil
}

func (a *App) findSite(ctx context.Context, name string) (*models.Site, error) {
	sites, err := a.Store.ListSites(ctx)
	if err != nil {
		return nil, err
	}
	for i := range sites {
		if sites[i].Name == name {
			return &sites[i], nil
		}
	}
	return nil, store.ErrNotFound
}
