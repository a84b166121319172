// Command example runs one itinerary through reserve and confirm against the simulated providers.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tripbooker/internal/booking"
	"tripbooker/internal/itinerary"
	"tripbooker/internal/itinerary/store"
	"tripbooker/internal/providers"
)

func main() {
	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(context.Background(), logger); err != nil {
		logger.Error("example run failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *zap.Logger) error {
	items := []booking.BookingItem{
		{
			ItemID: "flight-1", ItemType: booking.ItemFlight, Description: "NYC -> PAR, Economy, non-stop",
			Provider: "mock_flight", Price: 420, Taxes: 30, Total: 450, Currency: "USD",
		},
		{
			ItemID: "hotel-1", ItemType: booking.ItemHotel, Description: "Budget hotel, 4 nights - shared bathroom",
			Provider: "mock_hotel", Price: 240, Taxes: 20, Total: 260, Currency: "USD",
		},
		{
			ItemID: "cab-1", ItemType: booking.ItemCab, Description: "Airport pickup to hotel",
			Provider: "mock_cab", Price: 35, Total: 35, Currency: "USD",
		},
	}
	var total float64
	for _, it := range items {
		total += it.Total
	}

	set := providers.NewSet(-1)
	set.Attraction = nil
	svc := itinerary.NewService(store.NewMemory(), set.Registry(), itinerary.Options{Logger: logger})

	req, _, err := svc.Submit(ctx, booking.BookingRequest{
		UserID:         "user_123",
		ItineraryID:    "itn_demo_001",
		Items:          items,
		TotalAmount:    total,
		Currency:       "USD",
		IdempotencyKey: uuid.NewString(),
	})
	if err != nil {
		return err
	}

	fmt.Println("=== Reserve phase ===")
	reserved, err := svc.Reserve(ctx, req.ID)
	if err != nil {
		return err
	}
	for _, it := range reserved.Request.Items {
		fmt.Printf("- %s: status=%s, hold_id=%s, meta=%s\n", it.ItemID, it.Status, it.HoldID, metaJSON(it.Meta))
	}

	fmt.Println()
	fmt.Println("=== Confirm phase ===")
	confirmed, err := svc.Confirm(ctx, req.ID, booking.PaymentAuth{Type: "mock_payment", ID: "paytok_abc123"})
	if err != nil {
		return err
	}

	fmt.Println()
	fmt.Println("=== Final booking result ===")
	fmt.Println("Booking status:", confirmed.Request.Status)
	for _, it := range confirmed.Request.Items {
		fmt.Printf("- %s: status=%s, hold_id=%s, confirmed_id=%s, meta=%s\n",
			it.ItemID, it.Status, it.HoldID, it.ConfirmedID, metaJSON(it.Meta))
	}
	for _, f := range confirmed.CompensationFailures {
		fmt.Println("compensation failure:", f.Error())
	}
	return nil
}

func metaJSON(m booking.Meta) string {
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Sprintf("<%v>", err)
	}
	return string(raw)
}
