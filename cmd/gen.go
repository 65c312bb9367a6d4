package main

import (
	"context"
	"log"
	"math/rand"
	"time"

	"github.com/spf13/cobra"

	"github.com/itiky/parcel-sync/storage"
)

const (
	FlagWorkers   = "workers"
	FlagUsers     = "users"
	FlagShipments = "shipments"
	FlagIncidents = "incidents"
	FlagSeed      = "seed"
)

// GetGenerateCmd returns generate mock data command.
func GetGenerateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Seed the database with mock shipments, incidents and notifications",
		Run: func(cmd *cobra.Command, args []string) {
			// Parse inputs
			workers, err := cmd.Flags().GetInt(FlagWorkers)
			if err != nil {
				log.Fatalf("%s flag: %v", FlagWorkers, err)
			}
			users, err := cmd.Flags().GetInt(FlagUsers)
			if err != nil {
				log.Fatalf("%s flag: %v", FlagUsers, err)
			}
			shipmentsN, err := cmd.Flags().GetInt(FlagShipments)
			if err != nil {
				log.Fatalf("%s flag: %v", FlagShipments, err)
			}
			incidentsN, err := cmd.Flags().GetInt(FlagIncidents)
			if err != nil {
				log.Fatalf("%s flag: %v", FlagIncidents, err)
			}
			seed, err := cmd.Flags().GetInt64(FlagSeed)
			if err != nil {
				log.Fatalf("%s flag: %v", FlagSeed, err)
			}
			if users <= 0 {
				log.Fatalf("%s flag: must be GT 0", FlagUsers)
			}
			if seed == 0 {
				seed = time.Now().UnixNano()
			}

			a := openApp(cmd)
			defer a.close()

			// Work
			ctx := context.Background()
			now := time.Now()
			rnd := rand.New(rand.NewSource(seed))

			mockUsers := storage.NewMockUsers(workers, users)
			shipments := storage.NewMockShipments(rnd, mockUsers, shipmentsN, now)
			for _, s := range shipments {
				if err := a.shipments.Write(ctx, s.Code, s); err != nil {
					log.Fatalf("writing shipment %s: %v", s.Code, err)
				}
			}
			incidents := storage.NewMockIncidents(rnd, shipments, incidentsN, now)
			for _, i := range incidents {
				if err := a.incidents.Write(ctx, i.Id, i); err != nil {
					log.Fatalf("writing incident %d: %v", i.Id, err)
				}
			}
			notifications := storage.NewMockNotifications(rnd, shipments)
			for _, n := range notifications {
				if err := a.notifications.Write(ctx, n.Id, n); err != nil {
					log.Fatalf("writing notification %d: %v", n.Id, err)
				}
			}

			a.logger.Info("mock data generated",
				"db", a.cfg.Database.Path,
				"shipments", len(shipments),
				"incidents", len(incidents),
				"notifications", len(notifications),
			)
			log.Printf("admin: %s", mockUsers.Admin.Id)
			for _, u := range mockUsers.Workers {
				log.Printf("worker %s: %s", u.Name, u.Id)
			}
			for _, u := range mockUsers.Users {
				log.Printf("user %s: %s", u.Name, u.Id)
			}
		},
	}
	cmd.Flags().Int(FlagWorkers, 3, "(optional) number of workers")
	cmd.Flags().Int(FlagUsers, 10, "(optional) number of users")
	cmd.Flags().Int(FlagShipments, 100, "(optional) number of shipments")
	cmd.Flags().Int(FlagIncidents, 200, "(optional) number of incidents")
	cmd.Flags().Int64(FlagSeed, 0, "(optional) random seed (0 is time based)")

	return cmd
}

func init() {
	rootCmd.AddCommand(GetGenerateCmd())
}
