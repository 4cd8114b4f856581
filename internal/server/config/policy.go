package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// PolicyFile is the optional YAML overlay for tier limits.
//
//	tiers:
//	  free:
//	    max_file_size: 524288000
//	    cooldown_seconds: 1800
//	  premium:
//	    max_file_size: 2147483648
//	max_concurrent_jobs: 5
//	premium_users: ["123456789"]
type PolicyFile struct {
	Tiers             map[string]TierOverride `yaml:"tiers"`
	MaxConcurrentJobs int                     `yaml:"max_concurrent_jobs"`
	PremiumUsers      []string                `yaml:"premium_users"`
}

type TierOverride struct {
	MaxFileSize     int64  `yaml:"max_file_size"`
	CooldownSeconds *int64 `yaml:"cooldown_seconds"`
}

// ApplyPolicyFile overlays the YAML file at c.PolicyFile, if one is set.
func (c *Config) ApplyPolicyFile() error {
	if strings.TrimSpace(c.PolicyFile) == "" {
		return nil
	}
	b, err := os.ReadFile(c.PolicyFile)
	if err != nil {
		return fmt.Errorf("failed to read policy file: %w", err)
	}
	var pf PolicyFile
	if err := yaml.Unmarshal(b, &pf); err != nil {
		return fmt.Errorf("failed to parse policy file: %w", err)
	}
	c.applyPolicy(pf)
	return nil
}

func (c *Config) applyPolicy(pf PolicyFile) {
	for name, tier := range pf.Tiers {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "free":
			if tier.MaxFileSize > 0 {
				c.MaxFileSizeFree = tier.MaxFileSize
			}
			if tier.CooldownSeconds != nil {
				c.FreeCooldown = time.Duration(*tier.CooldownSeconds) * time.Second
			}
		case "premium":
			if tier.MaxFileSize > 0 {
				c.MaxFileSizePremium = tier.MaxFileSize
			}
		}
	}
	if pf.MaxConcurrentJobs > 0 {
		c.MaxConcurrentJobs = pf.MaxConcurrentJobs
	}
	for _, id := range pf.PremiumUsers {
		if id = strings.TrimSpace(id); id != "" && !c.IsPremiumID(id) {
			c.PremiumUserIDs = append(c.PremiumUserIDs, id)
		}
	}
}
