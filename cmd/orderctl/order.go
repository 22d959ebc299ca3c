package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/marcus/ordersync/internal/domain"
	"github.com/marcus/ordersync/internal/store"
	"github.com/spf13/cobra"
)

var orderCmd = &cobra.Command{
	Use:   "order",
	Short: "Create, update, and inspect pre-orders",
}

func init() {
	orderCmd.AddCommand(orderCreateCmd)
	orderCmd.AddCommand(orderUpdateCmd)
	orderCmd.AddCommand(orderDeleteCmd)
	orderCmd.AddCommand(orderShowCmd)
	orderCmd.AddCommand(orderListCmd)

	orderCreateCmd.Flags().String("partner", "", "partner id (required)")
	orderCreateCmd.Flags().String("delivery-date", "", "delivery date, RFC3339 (required)")
	orderCreateCmd.Flags().String("status", "draft", "draft|confirmed|fulfilled|cancelled")
	orderCreateCmd.Flags().String("comment", "", "free-text comment")
	orderCreateCmd.MarkFlagRequired("partner")
	orderCreateCmd.MarkFlagRequired("delivery-date")

	orderUpdateCmd.Flags().String("partner", "", "partner id")
	orderUpdateCmd.Flags().String("delivery-date", "", "delivery date, RFC3339")
	orderUpdateCmd.Flags().String("status", "", "draft|confirmed|fulfilled|cancelled")
	orderUpdateCmd.Flags().String("comment", "", "free-text comment")

	orderListCmd.Flags().Bool("json", false, "print as JSON")
	orderListCmd.Flags().String("date", "", "delivery date, YYYY-MM-DD (default: today)")
}

var orderCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a pre-order",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore()
		if err != nil {
			return err
		}
		defer db.Close()

		partner, _ := cmd.Flags().GetString("partner")
		deliveryRaw, _ := cmd.Flags().GetString("delivery-date")
		statusRaw, _ := cmd.Flags().GetString("status")
		comment, _ := cmd.Flags().GetString("comment")

		delivery, err := time.Parse(time.RFC3339, deliveryRaw)
		if err != nil {
			return fmt.Errorf("parse --delivery-date: %w", err)
		}
		status, ok := domain.ParseOrderStatus(statusRaw)
		if !ok {
			return fmt.Errorf("unknown --status %q", statusRaw)
		}

		order, err := db.Orders().Create(store.OrderFields{
			PartnerID:    partner,
			Status:       status,
			DeliveryDate: delivery,
			Comment:      comment,
		})
		if err != nil {
			return fmt.Errorf("create order: %w", err)
		}
		fmt.Println(order.ID)
		return nil
	},
}

var orderUpdateCmd = &cobra.Command{
	Use:   "update <order-id>",
	Short: "Update a pre-order's fields",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore()
		if err != nil {
			return err
		}
		defer db.Close()

		current, err := db.Orders().Get(args[0])
		if err != nil {
			return fmt.Errorf("get order: %w", err)
		}

		patch := store.OrderFields{
			PartnerID:    current.PartnerID,
			Status:       current.Status,
			OrderDate:    current.OrderDate,
			DeliveryDate: current.DeliveryDate,
			Comment:      current.Comment,
		}
		if v, _ := cmd.Flags().GetString("partner"); v != "" {
			patch.PartnerID = v
		}
		if v, _ := cmd.Flags().GetString("delivery-date"); v != "" {
			d, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return fmt.Errorf("parse --delivery-date: %w", err)
			}
			patch.DeliveryDate = d
		}
		if v, _ := cmd.Flags().GetString("status"); v != "" {
			s, ok := domain.ParseOrderStatus(v)
			if !ok {
				return fmt.Errorf("unknown --status %q", v)
			}
			patch.Status = s
		}
		if cmd.Flags().Changed("comment") {
			v, _ := cmd.Flags().GetString("comment")
			patch.Comment = v
		}

		updated, err := db.Orders().Update(args[0], patch)
		if err != nil {
			return fmt.Errorf("update order: %w", err)
		}
		fmt.Printf("order %s updated to version %d\n", updated.ID, updated.Version)
		return nil
	},
}

var orderDeleteCmd = &cobra.Command{
	Use:   "delete <order-id>",
	Short: "Soft-delete a pre-order and its lines",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore()
		if err != nil {
			return err
		}
		defer db.Close()

		if err := db.Orders().Delete(args[0]); err != nil {
			return fmt.Errorf("delete order: %w", err)
		}
		fmt.Printf("order %s deleted\n", args[0])
		return nil
	},
}

var orderShowCmd = &cobra.Command{
	Use:   "show <order-id>",
	Short: "Show a pre-order and its lines",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore()
		if err != nil {
			return err
		}
		defer db.Close()

		order, err := db.Orders().Get(args[0])
		if err != nil {
			return fmt.Errorf("get order: %w", err)
		}
		lines, err := db.OrderLines().ListByOrder(args[0])
		if err != nil {
			return fmt.Errorf("list order lines: %w", err)
		}

		fmt.Printf("order %s [%s] v%d\n", order.ID, order.Status, order.Version)
		fmt.Printf("  partner:  %s\n", order.PartnerID)
		fmt.Printf("  delivery: %s\n", order.DeliveryDate.Format(time.RFC3339))
		if order.Comment != "" {
			fmt.Printf("  comment:  %s\n", order.Comment)
		}
		if len(lines) == 0 {
			fmt.Println("  (no lines)")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
		fmt.Fprintln(w, "  LINE\tPRODUCT\tQTY\tPRICE")
		for _, l := range lines {
			fmt.Fprintf(w, "  %s\t%s\t%.2f\t%.2f\n", l.ID, l.ProductID, l.Quantity, l.Price)
		}
		return w.Flush()
	},
}

var orderListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pre-orders due on a delivery date (default: today)",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore()
		if err != nil {
			return err
		}
		defer db.Close()

		dateRaw, _ := cmd.Flags().GetString("date")
		date := time.Now().UTC()
		if dateRaw != "" {
			date, err = time.Parse("2006-01-02", dateRaw)
			if err != nil {
				return fmt.Errorf("parse --date: %w", err)
			}
		}

		orders, err := db.Orders().ListByDeliveryDate(date)
		if err != nil {
			return fmt.Errorf("list orders: %w", err)
		}

		asJSON, _ := cmd.Flags().GetBool("json")
		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(orders)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tPARTNER\tSTATUS\tDELIVERY\tVERSION")
		for _, o := range orders {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n", o.ID, o.PartnerID, o.Status, o.DeliveryDate.Format("2006-01-02"), o.Version)
		}
		return w.Flush()
	},
}
