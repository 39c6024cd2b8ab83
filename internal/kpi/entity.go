package kpi

import (
	"time"

	"github.com/agendaanalytics/agenda-analytics/internal/broker"
)

// Contexts is the JSON-LD context of KPI entities.
var Contexts = []string{
	"https://raw.githubusercontent.com/smart-data-models/dataModel.KeyPerformanceIndicator/master/context.jsonld",
	"https://smartdatamodels.org/context.jsonld",
}

const (
	entityName        = "Agenda Analytics Matching Scores"
	entityProvider    = "Agenda Analytics (Kybeidos GmbH)"
	entityDescription = "The kpiValue holds the matching results of the analysis text (e.g. company text) with the reference texts (e.g. the SDGs). " +
		"The reference texts are structured within 2 levels (for the SDGs these are goals on level 0 and targets on level 1). " +
		"The results are split into the coarse approach (the full analysis text is matched against all reference texts) " +
		"and the detailed approach (each sentence of the analysis text is matched against all reference texts). " +
		"The aggregated results for every level are part of this property. " +
		"The complete aggregated and raw results can be downloaded in json format using the supplied link."
)

type aggregatedLevels struct {
	MeanPerLevel0 []GoalValue   `json:"mean_per_level0"`
	MeanPerLevel1 []TargetValue `json:"mean_per_level1"`
}

type aggregatedValues struct {
	Detailed aggregatedLevels `json:"detailed"`
	Coarse   aggregatedLevels `json:"coarse"`
}

type entityValue struct {
	AggregatedValues aggregatedValues `json:"aggregated_values"`
	CompleteValues   string           `json:"complete_values"`
}

type dateTime struct {
	Type  string `json:"@type"`
	Value string `json:"@value"`
}

// Entity builds the KeyPerformanceIndicator entity for a payload whose
// complete values are downloadable at completeURL.
func Entity(prov Provenance, p Payload, completeURL string, now time.Time) broker.Entity {
	stamp := now.UTC().Format("2006-01-02 15:04:05.000000")

	e := broker.NewEntity(broker.TypeKPI).
		Set("calculationFrequency", broker.Property("inquiry dependent")).
		Set("calculationMethod", broker.Property("automatic")).
		Set("calculationPeriod", broker.Property(map[string]string{"to": stamp, "from": ""})).
		Set("category", broker.Property([]string{"quantitative"})).
		Set("description", broker.Property(entityDescription)).
		Set("kpiValue", broker.Property(entityValue{
			AggregatedValues: aggregatedValues{
				Detailed: aggregatedLevels{MeanPerLevel0: p.Detailed.MeanPerLevel0, MeanPerLevel1: p.Detailed.MeanPerLevel1},
				Coarse:   aggregatedLevels{MeanPerLevel0: p.Coarse.MeanPerLevel0, MeanPerLevel1: p.Coarse.MeanPerLevel1},
			},
			CompleteValues: completeURL,
		})).
		Set("modifiedAt", broker.Property(dateTime{Type: "DateTime", Value: stamp})).
		Set("name", broker.Property(entityName)).
		Set("organization", broker.Property(prov.OrganizationID)).
		Set("process", broker.Property(broker.ServiceMatching)).
		Set("provider", broker.Property(entityProvider)).
		Set("source", broker.Property([]string{prov.MatchingRunID, prov.AgendaID}))
	e.Context = append([]string(nil), Contexts...)
	return e
}
