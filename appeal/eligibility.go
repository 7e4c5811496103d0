package appeal

import (
	"time"

	"github.com/cortate/trust-engine/domain"
)

// Grounds are the circumstances a provider can cite in an appeal.
const (
	GroundMedicalEmergency      = "medical_emergency"
	GroundFamilyEmergency       = "family_emergency"
	GroundTechnicalIssues       = "technical_issues"
	GroundClientNoShow          = "client_no_show"
	GroundIncorrectCancellation = "incorrect_cancellation"
	GroundForceMajeure          = "force_majeure"
)

var groundsByType = map[domain.PenaltyType][]string{
	domain.PenaltyNoShow:           {GroundMedicalEmergency, GroundFamilyEmergency, GroundTechnicalIssues, GroundClientNoShow},
	domain.PenaltyLateCancellation: {GroundMedicalEmergency, GroundFamilyEmergency, GroundForceMajeure},
	domain.PenaltyRejection:        {GroundTechnicalIssues, GroundIncorrectCancellation},
	domain.PenaltyPoorService:      {GroundTechnicalIssues, GroundClientNoShow},
}

// Evidence an appeal is expected to carry, by penalty type.
var evidenceByType = map[domain.PenaltyType][]string{
	domain.PenaltyNoShow:           {"medical certificate when relevant", "screenshots of client communication", "proof of the technical problem", "witnesses or references"},
	domain.PenaltyLateCancellation: {"proof of the emergency", "medical documentation", "proof of force majeure"},
	domain.PenaltyRejection:        {"screenshots of technical errors", "availability history", "communication with support"},
	domain.PenaltyPoorService:      {"photos of the finished work", "communication with the client", "witnesses of the service"},
}

// Review targets by severity, shown to the provider.
var reviewTime = map[domain.Severity]string{
	domain.SeverityMinor:    "24-48 hours",
	domain.SeverityModerate: "2-3 business days",
	domain.SeveritySevere:   "3-5 business days",
}

// Eligibility tells a provider whether and how a penalty can be appealed.
type Eligibility struct {
	Open       bool
	Deadline   time.Time
	Grounds    []string
	Evidence   []string
	ReviewTime string
}

func (w *Workflow) Eligibility(p *domain.Penalty) Eligibility {
	deadline := p.CreatedAt.Add(w.window)
	open := p.Status != domain.PenaltyCancelled &&
		(p.Appeal.Status == domain.AppealNone || p.Appeal.Status == "") &&
		!w.clock.Now().After(deadline)
	return Eligibility{
		Open:       open,
		Deadline:   deadline,
		Grounds:    append([]string(nil), groundsByType[p.Type]...),
		Evidence:   append([]string(nil), evidenceByType[p.Type]...),
		ReviewTime: reviewTime[p.Severity],
	}
}
