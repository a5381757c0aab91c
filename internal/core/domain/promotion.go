package domain

import "strings"

// =============================================================================
// Environments
// =============================================================================

// Environment is a promotion stage.
type Environment string

const (
	EnvDev     Environment = "dev"
	EnvStaging Environment = "staging"
	EnvProd    Environment = "prod"
)

// EnvironmentProfile is what a promotion overrides for its target stage.
type EnvironmentProfile struct {
	CPULimit    string
	MemoryLimit string
	TagSuffix   string // appended to the "latest" tag
	Strategy    Strategy
}

var environmentProfiles = map[Environment]EnvironmentProfile{
	EnvDev:     {CPULimit: "0.5", MemoryLimit: "512m", TagSuffix: "-dev", Strategy: StrategyRolling},
	EnvStaging: {CPULimit: "1.0", MemoryLimit: "1g", TagSuffix: "-staging", Strategy: StrategyRolling},
	EnvProd:    {CPULimit: "2.0", MemoryLimit: "2g", Strategy: StrategyBlueGreen},
}

// ParseEnvironment accepts dev, staging or prod.
func ParseEnvironment(s string) (Environment, error) {
	env := Environment(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := environmentProfiles[env]; !ok {
		return "", configErrorf("environment", "unknown environment %q (want dev, staging or prod)", s)
	}
	return env, nil
}

// Profile returns the overrides for env.
func (e Environment) Profile() EnvironmentProfile {
	return environmentProfiles[e]
}

// =============================================================================
// Promotion
// =============================================================================

// Promotion is a deployment file rewritten for its target stage.
type Promotion struct {
	Source   Environment
	Target   Environment
	File     DeploymentFile
	Strategy Strategy
}

// PlanPromotion rewrites file for target: the image becomes the stage's
// latest tag and the resource limits are replaced by the stage's. The input
// file is not modified.
func PlanPromotion(file DeploymentFile, source, target string) (Promotion, error) {
	from, err := ParseEnvironment(source)
	if err != nil {
		return Promotion{}, err
	}
	to, err := ParseEnvironment(target)
	if err != nil {
		return Promotion{}, err
	}
	if from == to {
		return Promotion{}, configErrorf("environment", "cannot promote %s to itself", from)
	}

	profile := to.Profile()
	spec := file.Deployment.Clone()
	spec.ImageTag = ImageRepository(spec.ImageTag) + ":latest" + profile.TagSuffix
	spec.CPULimit = profile.CPULimit
	spec.MemoryLimit = profile.MemoryLimit
	if err := spec.Validate(); err != nil {
		return Promotion{}, err
	}

	file.Deployment = spec
	return Promotion{Source: from, Target: to, File: file, Strategy: profile.Strategy}, nil
}

// ImageRepository strips the tag and digest from an image reference.
// A registry port ("registry:5000/web") is kept.
func ImageRepository(ref string) string {
	ref, _, _ = strings.Cut(ref, "@")
	if i := strings.LastIndex(ref, ":"); i > strings.LastIndex(ref, "/") {
		return ref[:i]
	}
	return ref
}
