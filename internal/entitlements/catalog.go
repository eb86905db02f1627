package entitlements

// Agent feature slugs gated by plan.
const (
	FeatureRealtimeMonitoring = "realtime_monitoring"
	FeatureEmailAlerts        = "email_alerts"
	FeatureScheduledScans     = "scheduled_scans"
	FeatureAPIAccess          = "api_access"
	FeatureFileScanning       = "file_scanning"
	FeatureProcessControl     = "process_control"
	FeatureNetworkIsolation   = "network_isolation"
	FeatureForensics          = "forensics"
)

// FreePlanSlug is applied to principals without a live subscription.
const FreePlanSlug = "free"

func features(enabled ...string) map[string]bool {
	all := []string{
		FeatureRealtimeMonitoring, FeatureEmailAlerts, FeatureScheduledScans, FeatureAPIAccess,
		FeatureFileScanning, FeatureProcessControl, FeatureNetworkIsolation, FeatureForensics,
	}
	out := make(map[string]bool, len(all))
	for _, f := range all {
		out[f] = false
	}
	for _, f := range enabled {
		out[f] = true
	}
	return out
}

// DefaultPlans are seeded at startup.
var DefaultPlans = []Plan{
	{
		Slug: FreePlanSlug, Name: "Free", Tier: TierFree,
		MaxDevices: 1, MaxAPIKeys: 2,
		Features:         features(FeatureRealtimeMonitoring, FeatureEmailAlerts),
		LogRetentionDays: 7, AlertRetentionDays: 30, IsActive: true,
	},
	{
		Slug: "basic", Name: "Basic", Tier: TierBasic,
		MaxDevices: 5, MaxAPIKeys: 10,
		Features:         features(FeatureRealtimeMonitoring, FeatureEmailAlerts, FeatureScheduledScans, FeatureAPIAccess),
		LogRetentionDays: 30, AlertRetentionDays: 90, IsActive: true,
	},
	{
		Slug: "professional", Name: "Professional", Tier: TierProfessional,
		MaxDevices: 50, MaxAPIKeys: 100,
		Features: features(FeatureRealtimeMonitoring, FeatureEmailAlerts, FeatureScheduledScans, FeatureAPIAccess,
			FeatureFileScanning, FeatureProcessControl),
		LogRetentionDays: 90, AlertRetentionDays: 180, IsActive: true,
	},
	{
		Slug: "enterprise", Name: "Enterprise", Tier: TierEnterprise,
		MaxDevices: Unlimited, MaxAPIKeys: Unlimited,
		Features: features(FeatureRealtimeMonitoring, FeatureEmailAlerts, FeatureScheduledScans, FeatureAPIAccess,
			FeatureFileScanning, FeatureProcessControl, FeatureNetworkIsolation, FeatureForensics),
		LogRetentionDays: 365, AlertRetentionDays: 365, IsActive: true,
	},
}

func defaultFreePlan() Plan {
	for _, p := range DefaultPlans {
		if p.Slug == FreePlanSlug {
			return p
		}
	}
	return Plan{Slug: FreePlanSlug, Tier: TierFree, Features: map[string]bool{}}
}

// MinimumTierFor returns the lowest default plan tier that grants feature.
func MinimumTierFor(feature string) Tier {
	for _, p := range DefaultPlans {
		if p.Features[feature] {
			return p.Tier
		}
	}
	return TierEnterprise
}
