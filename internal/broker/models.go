package broker

import (
	"fmt"
	"strings"
	"time"

	"github.com/agendaanalytics/agenda-analytics/internal/matching"
	apperrors "github.com/agendaanalytics/agenda-analytics/internal/pkg/errors"
)

// Entity types known to the broker.
const (
	TypeOrganization      = "Organization"
	TypeEVChargingStation = "EVChargingStation"
	TypeDistribution      = "DistributionDCAT-AP"
	TypeBikeHireDocking   = "BikeHireDockingStation"
	TypeDataService       = "DataServiceDCAT-AP"
	TypeKPI               = "KeyPerformanceIndicator"
	TypeDataServiceRun    = "DataServiceRun"
)

// Data services that produce runs.
const (
	ServiceCrawling = "urn:ngsi-ld:DataServiceDCAT-AP:Salted-Crawling"
	ServiceMatching = "urn:ngsi-ld:DataServiceDCAT-AP:Salted-AgendaMatching"
)

// Agendas are stored as DCAT-AP distributions.
const TypeAgenda = TypeDistribution

var errMissingType = apperrors.ValidationError("entity type is required")

// Organization is the typed view of an Organization entity.
type Organization struct {
	ID   string
	Name string
	Lat  float64
	Lng  float64
}

type pointValue struct {
	Type        string    `json:"type"`
	Coordinates []float64 `json:"coordinates"`
}

// AsOrganization decodes e. Organizations without a name or a location are
// rejected. Coordinates are stored as [lat, lng].
func AsOrganization(e Entity) (Organization, error) {
	name, ok := e.String("name")
	if !ok || name == "" {
		return Organization{}, fmt.Errorf("organization %s: missing name", e.ID)
	}
	loc, ok := e.Attrs["location"]
	if !ok {
		return Organization{}, fmt.Errorf("organization %s: missing location", e.ID)
	}
	var p pointValue
	if err := loc.Decode(&p); err != nil {
		return Organization{}, fmt.Errorf("organization %s: decoding location: %w", e.ID, err)
	}
	if len(p.Coordinates) < 2 {
		return Organization{}, fmt.Errorf("organization %s: location needs two coordinates", e.ID)
	}
	return Organization{ID: e.ID, Name: name, Lat: p.Coordinates[0], Lng: p.Coordinates[1]}, nil
}

// NewOrganization builds an Organization entity.
func NewOrganization(name string, lat, lng float64) Entity {
	return NewEntity(TypeOrganization).
		Set("name", Property(name)).
		Set("location", Attribute{Type: "GeoProperty", Value: pointValue{Type: "Point", Coordinates: []float64{lat, lng}}})
}

// Agenda is the typed view of an agenda distribution. References holds the
// parsed reference texts kept under "documentation".
type Agenda struct {
	ID         string
	Name       string
	References []matching.Reference
}

// AsAgenda decodes e.
func AsAgenda(e Entity) (Agenda, error) {
	name, ok := e.String("name")
	if !ok {
		return Agenda{}, fmt.Errorf("agenda %s: missing name", e.ID)
	}
	a := Agenda{ID: e.ID, Name: name}
	if doc, ok := e.Attrs["documentation"]; ok && doc.payload() != nil {
		if err := doc.Decode(&a.References); err != nil {
			return Agenda{}, fmt.Errorf("agenda %s: decoding documentation: %w", e.ID, err)
		}
	}
	return a, nil
}

// NewAgenda builds an agenda distribution entity.
func NewAgenda(name string, refs []matching.Reference, now time.Time) Entity {
	return NewEntity(TypeAgenda).
		Set("name", Property(name)).
		Set("format", Property("text")).
		Set("dateCreated", Property(now.UTC().Format("2006-01-02 15:04:05.000000"))).
		Set("documentation", Property(refs))
}

// ResultFile points to one output file of a run.
type ResultFile struct {
	FileServerURL string `json:"fileserver_url"`
	Filename      string `json:"filename"`
}

// ID returns the blob id at the end of the file server url.
func (f ResultFile) ID() string {
	if i := strings.LastIndex(f.FileServerURL, "/files/"); i >= 0 {
		return f.FileServerURL[i+len("/files/"):]
	}
	return f.FileServerURL
}

// ConfigParam is one entry of a run configuration.
type ConfigParam struct {
	Parameter string `json:"parameter"`
	Value     string `json:"value"`
}

// DataServiceRun is the typed view of a run entity.
type DataServiceRun struct {
	ID       string
	AgendaID string
	Service  string
	Sources  []string
	Results  []ResultFile
	Created  time.Time
}

// Organization returns the organization id among the run sources.
func (r DataServiceRun) Organization() string {
	return firstContaining(r.Sources, TypeOrganization)
}

// CrawlRun returns the crawling run id among the run sources.
func (r DataServiceRun) CrawlRun() string {
	return firstContaining(r.Sources, TypeDataServiceRun)
}

func firstContaining(ids []string, s string) string {
	for _, id := range ids {
		if strings.Contains(id, ":"+s+":") {
			return id
		}
	}
	return ""
}

var createdLayouts = []string{
	"2006-01-02 15:04:05.999999",
	"2006-01-02 15:04:05",
	time.RFC3339Nano,
}

func parseCreated(s string) (time.Time, error) {
	for _, layout := range createdLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

// AsDataServiceRun decodes e. A run needs an agenda parameter and a service.
func AsDataServiceRun(e Entity) (DataServiceRun, error) {
	run := DataServiceRun{ID: e.ID}

	cfg, ok := e.Attrs["configuration"]
	if !ok {
		return run, fmt.Errorf("run %s: missing configuration", e.ID)
	}
	params, err := decodeList[ConfigParam](cfg)
	if err != nil {
		return run, fmt.Errorf("run %s: decoding configuration: %w", e.ID, err)
	}
	for _, p := range params {
		if p.Parameter == "agenda_entity_id" || p.Parameter == "target_agenda_entity_id" {
			run.AgendaID = p.Value
			break
		}
	}
	if run.AgendaID == "" {
		return run, fmt.Errorf("run %s: no agenda parameter", e.ID)
	}

	if run.Service, ok = e.String("service"); !ok {
		return run, fmt.Errorf("run %s: missing service", e.ID)
	}

	if src, ok := e.Attrs["sourceEntities"]; ok {
		if run.Sources, err = decodeList[string](src); err != nil {
			return run, fmt.Errorf("run %s: decoding sourceEntities: %w", e.ID, err)
		}
	}

	if res, ok := e.Attrs["resultExternal"]; ok && res.payload() != nil {
		if run.Results, err = decodeList[ResultFile](res); err != nil {
			return run, fmt.Errorf("run %s: decoding resultExternal: %w", e.ID, err)
		}
	}

	if created, ok := e.String("dateCreated"); ok {
		if run.Created, err = parseCreated(created); err != nil {
			return run, fmt.Errorf("run %s: %w", e.ID, err)
		}
	}
	return run, nil
}

// decodeList decodes a payload that is either a list or a single element.
func decodeList[T any](a Attribute) ([]T, error) {
	var list []T
	if err := a.Decode(&list); err == nil {
		return list, nil
	}
	var one T
	if err := a.Decode(&one); err != nil {
		return nil, err
	}
	return []T{one}, nil
}

// NewDataServiceRun builds a run entity for service on behalf of org.
// crawlRunID may be empty.
func NewDataServiceRun(service, description, agendaID, orgID, crawlRunID string, now time.Time) Entity {
	sources := []string{orgID}
	if crawlRunID != "" {
		sources = append(sources, crawlRunID)
	}
	sources = append(sources, agendaID)

	return NewEntity(TypeDataServiceRun).
		Set("description", Property(description)).
		Set("configuration", Property([]ConfigParam{{Parameter: "agenda_entity_id", Value: agendaID}})).
		Set("dateCreated", Property(now.UTC().Format("2006-01-02 15:04:05.000000"))).
		Set("service", Property(service)).
		Set("sourceEntities", Relationship(sources))
}

// ResultAttrs returns the attribute set that records result files on a run.
func ResultAttrs(files []ResultFile) map[string]Attribute {
	return map[string]Attribute{"resultExternal": Property(files)}
}

// KPI is the typed view of a KeyPerformanceIndicator entity.
type KPI struct {
	ID             string
	Organization   string
	Sources        []string
	CompleteValues string
}

type kpiValue struct {
	CompleteValues string `json:"complete_values"`
}

// AsKPI decodes e.
func AsKPI(e Entity) (KPI, error) {
	k := KPI{ID: e.ID}
	src, ok := e.Attrs["source"]
	if !ok {
		return k, fmt.Errorf("kpi %s: missing source", e.ID)
	}
	var err error
	if k.Sources, err = decodeList[string](src); err != nil {
		return k, fmt.Errorf("kpi %s: decoding source: %w", e.ID, err)
	}
	if org, ok := e.Attrs["organization"]; ok {
		if err := org.Decode(&k.Organization); err != nil {
			return k, fmt.Errorf("kpi %s: decoding organization: %w", e.ID, err)
		}
	}
	val, ok := e.Attrs["kpiValue"]
	if !ok {
		return k, fmt.Errorf("kpi %s: missing kpiValue", e.ID)
	}
	var v kpiValue
	if err := val.Decode(&v); err != nil {
		return k, fmt.Errorf("kpi %s: decoding kpiValue: %w", e.ID, err)
	}
	k.CompleteValues = v.CompleteValues
	return k, nil
}

// HasSource reports whether id is among the KPI sources.
func (k KPI) HasSource(id string) bool {
	for _, s := range k.Sources {
		if s == id {
			return true
		}
	}
	return false
}

// CompleteID returns the blob id of the complete payload.
func (k KPI) CompleteID() string {
	return ResultFile{FileServerURL: k.CompleteValues}.ID()
}
