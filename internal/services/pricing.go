package services

import (
	"sort"
	"strings"
)

// FeaturePrice is the credit cost of one invocation of an AI feature.
type FeaturePrice struct {
	Feature string `json:"feature"`
	Cost    int64  `json:"cost"`
}

var featurePrices = map[string]int64{
	"transcription":        600,
	"ai_show_notes":        200,
	"ai_episode_titles":    50,
	"ai_clip_suggestions":  300,
	"ai_social_posts":      100,
	"ai_guest_research":    150,
	"ai_audio_enhancement": 400,
	"translation":          800,
	"voice_clone":          1500,
}

// Monthly subscription-credit allowance per plan.
var planAllowances = map[string]int64{
	"free":       3000,
	"pro":        10000,
	"studio":     30000,
	"enterprise": 100000,
}

// Store credit packs sold through the payment provider, keyed by the plan
// name carried in the checkout metadata.
var creditPackages = map[string]int64{
	"starter_pack": 5000,
	"creator_pack": 12000,
	"studio_pack":  30000,
}

const DefaultPlan = "free"

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

func FeatureCost(feature string) (int64, bool) {
	cost, ok := featurePrices[normalizeKey(feature)]
	return cost, ok
}

func PlanAllowance(plan string) (int64, bool) {
	allowance, ok := planAllowances[normalizeKey(plan)]
	return allowance, ok
}

func PackageCredits(plan string) (int64, bool) {
	credits, ok := creditPackages[normalizeKey(plan)]
	return credits, ok
}

// PriceList returns the feature price table sorted by feature name.
func PriceList() []FeaturePrice {
	prices := make([]FeaturePrice, 0, len(featurePrices))
	for feature, cost := range featurePrices {
		prices = append(prices, FeaturePrice{Feature: feature, Cost: cost})
	}
	sort.Slice(prices, func(i, j int) bool {
		return prices[i].Feature < prices[j].Feature
	})
	return prices
}
