package config

import (
	"os"
	"strings"
	"time"
)

// BlockNegativeStock rejects outbound ledger entries that would take on-hand below zero.
// Off by default: dispatches are allowed to overdraw and the kardex shows the negative balance.
//
// Set via env:
// - LEDGER_BLOCK_NEGATIVE_STOCK=true
func BlockNegativeStock() bool {
	return boolFromEnv("LEDGER_BLOCK_NEGATIVE_STOCK", false)
}

// BasePriceListId is the published price list whose tax-inclusive entries value outbound movements.
// 0 means no list is configured and every outbound entry falls back to the product's last cost.
func BasePriceListId() int {
	return intFromEnv("LEDGER_BASE_PRICE_LIST_ID", 0)
}

func ApprovalServiceURL() string {
	return strings.TrimRight(strings.TrimSpace(os.Getenv("APPROVAL_SERVICE_URL")), "/")
}

func ApprovalResolutionId() string {
	return strings.TrimSpace(os.Getenv("APPROVAL_RESOLUTION_ID"))
}

func ApprovalTimeout() time.Duration {
	return time.Duration(intFromEnv("APPROVAL_TIMEOUT_SECONDS", 30)) * time.Second
}

func ApprovalRatePerSecond() int {
	return intFromEnv("APPROVAL_RATE_PER_SEC", 5)
}

// ApprovalSyncMode makes the orchestrator submit right after commit instead of leaving it to the outbox worker.
//
// Set via env:
// - APPROVAL_MODE=sync | async (default sync)
func ApprovalSyncMode() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("APPROVAL_MODE")))
	return v == "" || v == "sync"
}
