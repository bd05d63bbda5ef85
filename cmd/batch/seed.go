package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"trendsnap_service/internal/app/bootstrap"
	"trendsnap_service/internal/app/model"
)

type placeStore interface {
	UpsertPlace(ctx context.Context, place model.Place) error
}

func strPtr(s string) *string { return &s }

// defaultPlaces は初期状態で取り込み対象にする地域です。
var defaultPlaces = []model.Place{
	{WOEID: 23424856, Slug: "japan", CountryCode: "JP", NameJa: "日本", NameEn: strPtr("Japan"), Timezone: "Asia/Tokyo", IsActive: true, SortOrder: 10},
	{WOEID: 1118370, Slug: "tokyo", CountryCode: "JP", NameJa: "東京", NameEn: strPtr("Tokyo"), Timezone: "Asia/Tokyo", IsActive: true, SortOrder: 20},
	{WOEID: 15015370, Slug: "osaka", CountryCode: "JP", NameJa: "大阪", NameEn: strPtr("Osaka"), Timezone: "Asia/Tokyo", IsActive: true, SortOrder: 30},
}

func newSeedPlacesCmd(st *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "seed-places",
		Short: "Upsert the default places (Japan, Tokyo, Osaka)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return st.withApp(cmd.Context(), func(app *bootstrap.App) error {
				return seedPlaces(cmd.Context(), app.Store, cmd.OutOrStdout())
			})
		},
	}
}

func seedPlaces(ctx context.Context, store placeStore, out io.Writer) error {
	for _, p := range defaultPlaces {
		if err := store.UpsertPlace(ctx, p); err != nil {
			return fmt.Errorf("seed %s: %w", p.Slug, err)
		}
		fmt.Fprintf(out, "upserted %s (%d)\n", p.Slug, p.WOEID)
	}
	return nil
}
