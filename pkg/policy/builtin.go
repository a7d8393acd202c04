package policy

import (
	"time"
)

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		actionPermissionsPolicy(),
		protectedTagsPolicy(),
		highRiskApprovalPolicy(),
		businessHoursPolicy(),
		pricingModelGuardPolicy(),
	}
}

// actionPermissionsPolicy restricts destructive actions in production.
func actionPermissionsPolicy() Policy {
	return Policy{
		Name:        "action-permissions",
		Description: "Restricts destructive optimization actions in production environments",
		Severity:    SeverityCritical,
		Enabled:     true,
		Tags:        []string{"permissions", "safety", "production"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package costpilot.policies.permissions

import rego.v1

# Actions that destroy or materially disrupt the target resource
destructive_actions := ["terminate_resource"]

deny contains violation if {
	some action in destructive_actions
	input.action == action
	input.environment == "production"
	not input.requires_approval

	violation := {
		"message": sprintf("Action '%s' in production requires approval", [action]),
		"severity": "critical",
		"remediation": "Resubmit the request with requires_approval set",
	}
}

deny contains violation if {
	input.action == "terminate_resource"
	input.environment == "production"
	not input.context.dry_run
	input.labels.critical == "true"

	violation := {
		"message": sprintf("Cannot terminate resource %s marked as critical", [input.target_resource_id]),
		"severity": "critical",
	}
}`,
	}
}

// protectedTagsPolicy blocks any optimization of opted-out resources.
func protectedTagsPolicy() Policy {
	return Policy{
		Name:        "protected-tags",
		Description: "Blocks optimization of resources carrying opt-out protection tags",
		Severity:    SeverityCritical,
		Enabled:     true,
		Tags:        []string{"tags", "safety"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package costpilot.policies.tags

import rego.v1

protection_tags := ["do-not-optimize", "cost-pilot-exclude"]

deny contains violation if {
	some tag in protection_tags
	input.labels[tag] == "true"

	violation := {
		"message": sprintf("Resource %s carries protection tag '%s'", [input.target_resource_id, tag]),
		"severity": "critical",
		"remediation": "Remove the protection tag or exclude the resource from recommendations",
	}
}`,
	}
}

// highRiskApprovalPolicy requires approval for high-risk actions.
func highRiskApprovalPolicy() Policy {
	return Policy{
		Name:        "high-risk-approval",
		Description: "Requires human approval for actions classified as high risk",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"risk", "approval"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package costpilot.policies.risk

import rego.v1

deny contains violation if {
	input.risk_level == "high"
	not input.requires_approval

	violation := {
		"message": "High-risk actions require approval",
		"severity": "error",
		"remediation": "Resubmit the request with requires_approval set",
	}
}`,
	}
}

// businessHoursPolicy warns about disruptive changes during business hours.
func businessHoursPolicy() Policy {
	return Policy{
		Name:        "business-hours",
		Description: "Warns when disruptive production changes run during business hours (09:00-17:00 UTC, Mon-Fri)",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"scheduling", "production"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package costpilot.policies.hours

import rego.v1

disruptive_actions := ["terminate_resource", "resize_workload"]

deny contains violation if {
	some action in disruptive_actions
	input.action == action
	input.environment == "production"
	input.context.weekday >= 1
	input.context.weekday <= 5
	input.context.hour >= 9
	input.context.hour < 17

	violation := {
		"message": sprintf("Action '%s' on a production resource during business hours - consider scheduling off-peak", [action]),
		"severity": "warning",
	}
}`,
	}
}

// pricingModelGuardPolicy warns about spot migration of unsafe workloads.
func pricingModelGuardPolicy() Policy {
	return Policy{
		Name:        "pricing-model-guard",
		Description: "Warns when workloads tagged spot-unsafe are moved to interruptible pricing",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"pricing", "availability"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package costpilot.policies.pricing

import rego.v1

deny contains violation if {
	input.action == "migrate_pricing_model"
	input.labels["spot-unsafe"] == "true"

	violation := {
		"message": sprintf("Resource %s is tagged spot-unsafe; interruptible pricing may cause outages", [input.target_resource_id]),
		"severity": "warning",
		"remediation": "Verify the workload tolerates interruption before migrating",
	}
}`,
	}
}
