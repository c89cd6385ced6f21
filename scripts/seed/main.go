package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/cashdesk/internal/app"
	"github.com/odyssey-erp/cashdesk/internal/register"
)

const seedActor int64 = 1

type seedMovement struct {
	Type        register.MovementType
	Amount      string
	Description string
}

type seedTill struct {
	TillID    int64
	Opening   string
	Moves     []seedMovement
	CloseAt   string
	LeaveOpen bool
}

var demoTills = []seedTill{
	{
		TillID:  1,
		Opening: "200.00",
		Moves: []seedMovement{
			{Type: register.MovementSale, Amount: "45.50", Description: "coffee and pastries"},
			{Type: register.MovementSale, Amount: "120.00", Description: "catering order"},
			{Type: register.MovementExpense, Amount: "-18.25", Description: "milk delivery"},
		},
		LeaveOpen: true,
	},
	{
		TillID:  2,
		Opening: "150.00",
		Moves: []seedMovement{
			{Type: register.MovementSale, Amount: "80.00", Description: "walk-in sales"},
			{Type: register.MovementRefund, Amount: "-12.00", Description: "returned item"},
			{Type: register.MovementWithdrawal, Amount: "-100.00", Description: "safe drop"},
		},
		CloseAt: "113.00",
	},
	{
		TillID:  3,
		Opening: "100.00",
		Moves: []seedMovement{
			{Type: register.MovementDeposit, Amount: "50.00", Description: "change float top-up"},
			{Type: register.MovementSale, Amount: "64.90", Description: "evening shift"},
		},
		CloseAt: "220.00",
	},
}

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	storage, err := app.OpenStorage(ctx, cfg, logger)
	if err != nil {
		logger.Error("open storage", slog.Any("error", err))
		os.Exit(1)
	}
	defer storage.Close()

	service := register.NewService(storage.Repo, logger)
	for _, till := range demoTills {
		fmt.Printf("→ Seeding till %d...\n", till.TillID)
		if err := seed(ctx, service, till); err != nil {
			logger.Error("seed till", slog.Int64("till_id", till.TillID), slog.Any("error", err))
			os.Exit(1)
		}
	}
	fmt.Println("✓ Seed complete at", time.Now().Format(time.RFC3339))
}

func seed(ctx context.Context, service *register.Service, till seedTill) error {
	current, err := service.GetCurrentSession(ctx, till.TillID)
	if err != nil {
		return err
	}
	if current != nil {
		fmt.Printf("  till %d already has open session %s, skipping\n", till.TillID, current.ID)
		return nil
	}

	session, err := service.OpenRegister(ctx, register.OpenInput{
		TillID:         till.TillID,
		OpeningBalance: decimal.RequireFromString(till.Opening),
		Notes:          "demo seed",
		ActorID:        seedActor,
	})
	if err != nil {
		if errors.Is(err, register.ErrSessionAlreadyOpen) {
			return nil
		}
		return fmt.Errorf("open: %w", err)
	}

	for _, mv := range till.Moves {
		if _, err := service.AddMovement(ctx, register.MovementInput{
			SessionID:   session.ID,
			Type:        mv.Type,
			Amount:      decimal.RequireFromString(mv.Amount),
			Description: mv.Description,
			ActorID:     seedActor,
		}); err != nil {
			return fmt.Errorf("%s %s: %w", mv.Type, mv.Amount, err)
		}
	}

	if till.LeaveOpen {
		fmt.Printf("  session %s left open\n", session.ID)
		return nil
	}
	result, err := service.CloseRegister(ctx, register.CloseInput{
		SessionID:      session.ID,
		ClosingBalance: decimal.RequireFromString(till.CloseAt),
		Notes:          "demo seed",
		ActorID:        seedActor,
	})
	if err != nil {
		return fmt.Errorf("close: %w", err)
	}
	fmt.Printf("  session %s closed: expected %s, counted %s, %s %s\n",
		session.ID,
		result.ExpectedBalance.StringFixed(2),
		till.CloseAt,
		result.Reconciliation.Outcome,
		result.Discrepancy.StringFixed(2))
	return nil
}
