package config

import (
	"os"
	"strconv"
	"strings"
)

// FamilySettings holds the numbering and approval rules of one document family.
type FamilySettings struct {
	Key              string
	Prefix           string
	Floor            int64
	Ceiling          int64
	Denylist         []int64
	DateFormatted    bool
	PerWarehouse     bool
	RequiresApproval bool
	MaxProbes        int
}

var familyDefaults = map[string]FamilySettings{
	"ORDER":          {Prefix: "OV-", Floor: 1},
	"INVOICE":        {Prefix: "FE-", Floor: 89000, RequiresApproval: true},
	"REMISSION":      {Prefix: "RM-", Floor: 1},
	"CREDIT_NOTE":    {Prefix: "NC-", Floor: 1, RequiresApproval: true},
	"PURCHASE_ORDER": {Prefix: "OC-", Floor: 1},
}

// GetFamilySettings reads SEQ_<FAMILY>_* and DOC_<FAMILY>_* overrides on top of the built-in defaults.
// Env is read on every call so tests can use t.Setenv.
func GetFamilySettings(key string) FamilySettings {
	key = strings.ToUpper(strings.TrimSpace(key))
	s := familyDefaults[key]
	s.Key = key
	s.PerWarehouse = true
	s.MaxProbes = 10

	if v, ok := os.LookupEnv("SEQ_" + key + "_PREFIX"); ok {
		s.Prefix = v
	}
	if v := int64FromEnv("SEQ_"+key+"_FLOOR", 0); v > 0 {
		s.Floor = v
	}
	if s.Floor <= 0 {
		s.Floor = 1
	}
	s.Ceiling = int64FromEnv("SEQ_"+key+"_CEILING", 0)
	s.Denylist = int64ListFromEnv("SEQ_" + key + "_DENYLIST")
	s.DateFormatted = boolFromEnv("SEQ_"+key+"_DATE_FORMAT", false)
	s.PerWarehouse = boolFromEnv("SEQ_"+key+"_PER_WAREHOUSE", s.PerWarehouse)
	s.RequiresApproval = boolFromEnv("DOC_"+key+"_REQUIRES_APPROVAL", s.RequiresApproval)
	if n := intFromEnv("SEQ_"+key+"_MAX_PROBES", 0); n > 0 {
		s.MaxProbes = n
	}
	return s
}

func int64FromEnv(key string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func int64ListFromEnv(key string) []int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	var out []int64
	for _, part := range strings.Split(raw, ",") {
		n, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	return out
}
