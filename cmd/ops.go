package main

import (
	"context"
	"log"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/itiky/parcel-sync/model"
)

const (
	FlagTitle       = "title"
	FlagDescription = "description"
	FlagPriority    = "priority"
	FlagCategory    = "category"
	FlagShipment    = "shipment"
	FlagAssignee    = "assignee"
	FlagReceiver    = "receiver"
	FlagOrigin      = "origin"
	FlagDestination = "destination"
	FlagWorkerName  = "worker-name"
	FlagTimeout     = "timeout"
)

// GetIncidentCmd returns the incident commands group.
func GetIncidentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "incident",
		Short: "Incident commands",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Report a new incident",
		Run: func(cmd *cobra.Command, args []string) {
			in := model.Incident{
				Title:        mustString(cmd, FlagTitle),
				Description:  mustString(cmd, FlagDescription),
				Priority:     model.IncidentPriority(mustInt(cmd, FlagPriority)),
				Category:     model.IncidentCategory(mustInt(cmd, FlagCategory)),
				ShipmentCode: mustString(cmd, FlagShipment),
				AssigneeId:   mustString(cmd, FlagAssignee),
			}

			a := openApp(cmd)
			defer a.close()
			ctx, cancel := commandContext(cmd)
			defer cancel()

			res, err := a.newCommands().CreateIncident(ctx, in)
			if err != nil {
				log.Fatalf("create incident: %v", err)
			}
			reportResult(res.Key, res.Warnings)
		},
	}
	createCmd.Flags().String(FlagTitle, "", "incident title")
	createCmd.Flags().String(FlagDescription, "", "(optional) incident description")
	createCmd.Flags().Int(FlagPriority, int(model.PriorityMedium), "(optional) priority 1..4")
	createCmd.Flags().Int(FlagCategory, int(model.CategoryPackage), "(optional) category 1..4")
	createCmd.Flags().String(FlagShipment, "", "(optional) shipment tracking code")
	createCmd.Flags().String(FlagAssignee, "", "(optional) assigned worker id")

	statusCmd := &cobra.Command{
		Use:   "status [id] [status]",
		Short: "Change the incident status (1 open, 2 in progress, 3 resolved, 4 closed)",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			id := mustAtoi(args[0])
			status := mustAtoi(args[1])

			a := openApp(cmd)
			defer a.close()
			ctx, cancel := commandContext(cmd)
			defer cancel()

			in, found, err := a.incidents.FetchOne(ctx, id)
			if err != nil {
				log.Fatalf("fetch incident %d: %v", id, err)
			}
			if !found {
				log.Fatalf("incident %d: not found", id)
			}
			in.Status = model.IncidentStatus(status)

			res, err := a.newCommands().UpdateIncident(ctx, in)
			if err != nil {
				log.Fatalf("update incident: %v", err)
			}
			reportResult(res.Key, res.Warnings)
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete [id]",
		Short: "Delete the incident",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			id := mustAtoi(args[0])

			a := openApp(cmd)
			defer a.close()
			ctx, cancel := commandContext(cmd)
			defer cancel()

			res, err := a.newCommands().DeleteIncident(ctx, id)
			if err != nil {
				log.Fatalf("delete incident: %v", err)
			}
			reportResult(res.Key, res.Warnings)
		},
	}

	cmd.AddCommand(createCmd, statusCmd, deleteCmd)

	return cmd
}

// GetShipmentCmd returns the shipment commands group.
func GetShipmentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "shipment",
		Short: "Shipment commands",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Register a new shipment (the tracking code is generated)",
		Run: func(cmd *cobra.Command, args []string) {
			in := model.Shipment{
				ReceiverName: mustString(cmd, FlagReceiver),
				Origin:       mustString(cmd, FlagOrigin),
				Destination:  mustString(cmd, FlagDestination),
				Description:  mustString(cmd, FlagDescription),
			}

			a := openApp(cmd)
			defer a.close()
			ctx, cancel := commandContext(cmd)
			defer cancel()

			res, err := a.newCommands().CreateShipment(ctx, in)
			if err != nil {
				log.Fatalf("create shipment: %v", err)
			}
			reportResult(res.Key, res.Warnings)
		},
	}
	createCmd.Flags().String(FlagReceiver, "", "receiver name")
	createCmd.Flags().String(FlagOrigin, "", "(optional) origin city")
	createCmd.Flags().String(FlagDestination, "", "(optional) destination city")
	createCmd.Flags().String(FlagDescription, "", "(optional) parcel description")

	assignCmd := &cobra.Command{
		Use:   "assign [code] [workerId]",
		Short: "Assign the shipment to a worker (admin only)",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			worker := model.User{
				Id:   args[1],
				Name: mustString(cmd, FlagWorkerName),
			}

			a := openApp(cmd)
			defer a.close()
			ctx, cancel := commandContext(cmd)
			defer cancel()

			res, err := a.newCommands().AssignWorker(ctx, args[0], worker)
			if err != nil {
				log.Fatalf("assign worker: %v", err)
			}
			reportResult(res.Key, res.Warnings)
		},
	}
	assignCmd.Flags().String(FlagWorkerName, "", "(optional) worker display name")

	deliverCmd := &cobra.Command{
		Use:   "deliver [code]",
		Short: "Mark the shipment delivered",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			a := openApp(cmd)
			defer a.close()
			ctx, cancel := commandContext(cmd)
			defer cancel()

			res, err := a.newCommands().MarkDelivered(ctx, args[0])
			if err != nil {
				log.Fatalf("mark delivered: %v", err)
			}
			reportResult(res.Key, res.Warnings)
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete [code]",
		Short: "Delete the shipment (admin only)",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			a := openApp(cmd)
			defer a.close()
			ctx, cancel := commandContext(cmd)
			defer cancel()

			res, err := a.newCommands().DeleteShipment(ctx, args[0])
			if err != nil {
				log.Fatalf("delete shipment: %v", err)
			}
			reportResult(res.Key, res.Warnings)
		},
	}

	cmd.AddCommand(createCmd, assignCmd, deliverCmd, deleteCmd)

	return cmd
}

// GetNotificationCmd returns the notification commands group.
func GetNotificationCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "notification",
		Short: "Notification commands",
	}

	readCmd := &cobra.Command{
		Use:   "read [id]",
		Short: "Mark the notification read",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			id := mustAtoi(args[0])

			a := openApp(cmd)
			defer a.close()
			ctx, cancel := commandContext(cmd)
			defer cancel()

			res, err := a.newCommands().MarkNotificationRead(ctx, id)
			if err != nil {
				log.Fatalf("mark read: %v", err)
			}
			reportResult(res.Key, res.Warnings)
		},
	}

	readAllCmd := &cobra.Command{
		Use:   "read-all",
		Short: "Mark every unread notification of the session read",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			a := openApp(cmd)
			defer a.close()
			ctx, cancel := commandContext(cmd)
			defer cancel()

			res, err := a.newCommands().MarkAllNotificationsRead(ctx)
			if err != nil {
				log.Fatalf("mark all read: %v", err)
			}
			reportResult(len(res.Keys), res.Warnings)
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete [id]",
		Short: "Delete the notification",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			id := mustAtoi(args[0])

			a := openApp(cmd)
			defer a.close()
			ctx, cancel := commandContext(cmd)
			defer cancel()

			res, err := a.newCommands().DeleteNotification(ctx, id)
			if err != nil {
				log.Fatalf("delete: %v", err)
			}
			reportResult(res.Key, res.Warnings)
		},
	}

	cmd.AddCommand(readCmd, readAllCmd, deleteCmd)

	return cmd
}

func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	timeout, err := cmd.Flags().GetDuration(FlagTimeout)
	if err != nil {
		log.Fatalf("%s flag: %v", FlagTimeout, err)
	}

	return context.WithTimeout(context.Background(), timeout)
}

func reportResult[K model.Key](key K, warnings []error) {
	log.Printf("done: %v", key)
	for _, w := range warnings {
		log.Printf("warning: %v", w)
	}
}

func mustString(cmd *cobra.Command, flag string) string {
	v, err := cmd.Flags().GetString(flag)
	if err != nil {
		log.Fatalf("%s flag: %v", flag, err)
	}

	return v
}

func mustInt(cmd *cobra.Command, flag string) int {
	v, err := cmd.Flags().GetInt(flag)
	if err != nil {
		log.Fatalf("%s flag: %v", flag, err)
	}

	return v
}

func mustAtoi(s string) int {
	v, err := strconv.Atoi(s)
	if err != nil {
		log.Fatalf("%q: %v", s, err)
	}

	return v
}

func init() {
	for _, cmd := range []*cobra.Command{GetIncidentCmd(), GetShipmentCmd(), GetNotificationCmd()} {
		cmd.PersistentFlags().Duration(FlagTimeout, 30*time.Second, "(optional) command timeout")
		rootCmd.AddCommand(cmd)
	}
}
