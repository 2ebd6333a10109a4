package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/coursepay/internal/config"
	credentialdomain "github.com/smallbiznis/coursepay/internal/credential/domain"
	"github.com/smallbiznis/coursepay/internal/credential/repository"
	"gorm.io/gorm"
)

func setupSettingsDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:settings_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.AutoMigrate(&credentialdomain.GatewaySettingRecord{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func TestDBSettingsSourceTakesPrecedenceOverFile(t *testing.T) {
	ctx := context.Background()
	db := setupSettingsDB(t)
	repo := repository.Provide()
	sealer, err := NewSealer("settings-secret")
	if err != nil {
		t.Fatalf("new sealer: %v", err)
	}

	sealed, err := sealer.Seal(credentialdomain.SecretFields{
		SecretKey:     "secret:YOCO_SECRET_KEY",
		WebhookSecret: "whsec_db",
	})
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if err := repo.UpsertSetting(ctx, db, &credentialdomain.GatewaySettingRecord{
		GatewayID:          "yoco",
		IsEnabled:          true,
		SettlementCurrency: "ZAR",
		Config:             sealed,
		UpdatedAt:          time.Now().UTC(),
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	holder := config.NewStaticGatewaySettingsHolder(config.GatewaySettings{
		"yoco":   {Enabled: true, SecretKey: "file_key", SettlementCurrency: "USD"},
		"stripe": {Enabled: true, SecretKey: "sk_file", SettlementCurrency: "USD"},
	})
	source := NewChainSource(NewDBSettingsSource(db, repo, sealer), NewFileSettingsSource(holder))

	cfg, found, err := source.Load(ctx, "yoco")
	if err != nil || !found {
		t.Fatalf("load yoco: found=%v err=%v", found, err)
	}
	if cfg.SecretKeyRef != "secret:YOCO_SECRET_KEY" || cfg.SettlementCurrency != "ZAR" {
		t.Fatalf("expected db settings, got %+v", cfg)
	}

	cfg, found, err = source.Load(ctx, "stripe")
	if err != nil || !found {
		t.Fatalf("load stripe: found=%v err=%v", found, err)
	}
	if cfg.SecretKeyRef != "sk_file" {
		t.Fatalf("expected file settings, got %+v", cfg)
	}

	if _, found, _ := source.Load(ctx, "paypal"); found {
		t.Fatalf("expected paypal to be missing")
	}
}
