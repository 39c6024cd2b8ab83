package broker

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAsOrganization(t *testing.T) {
	org, err := AsOrganization(NewOrganization("Acme", 53.34, 9.86))
	require.NoError(t, err)
	assert.Equal(t, "Acme", org.Name)
	assert.Equal(t, 53.34, org.Lat)
	assert.Equal(t, 9.86, org.Lng)

	_, err = AsOrganization(NewEntity(TypeOrganization).Set("name", Property("No location")))
	assert.Error(t, err)

	_, err = AsOrganization(NewEntity(TypeOrganization).Set("location", Property(map[string]any{"coordinates": []float64{1, 2}})))
	assert.Error(t, err)
}

func TestAsDataServiceRun_FromBrokerJSON(t *testing.T) {
	raw := `{
		"id": "urn:ngsi-ld:DataServiceRun:m1",
		"type": "DataServiceRun",
		"configuration": {"type": "Property", "value": {"parameter": "target_agenda_entity_id", "value": "urn:agenda:1"}},
		"dateCreated": {"type": "Property", "value": "2023-05-04 10:11:12.123456"},
		"service": {"type": "Property", "value": "urn:ngsi-ld:DataServiceDCAT-AP:Salted-AgendaMatching"},
		"sourceEntities": {"type": "Relationship", "object": ["urn:ngsi-ld:Organization:o1", "urn:ngsi-ld:DataServiceRun:c1", "urn:agenda:1"]},
		"resultExternal": {"type": "Property", "value": [{"fileserver_url": "http://fs/files/abc", "filename": "analysis.txt.coarse.xlsx"}]}
	}`
	var e Entity
	require.NoError(t, json.Unmarshal([]byte(raw), &e))

	run, err := AsDataServiceRun(e)
	require.NoError(t, err)
	assert.Equal(t, "urn:agenda:1", run.AgendaID)
	assert.Equal(t, ServiceMatching, run.Service)
	assert.Equal(t, "urn:ngsi-ld:Organization:o1", run.Organization())
	assert.Equal(t, "urn:ngsi-ld:DataServiceRun:c1", run.CrawlRun())
	require.Len(t, run.Results, 1)
	assert.Equal(t, "abc", run.Results[0].ID())
	assert.Equal(t, time.Date(2023, 5, 4, 10, 11, 12, 123456000, time.UTC), run.Created)
}

func TestNewDataServiceRun_Decodes(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	e := NewDataServiceRun(ServiceCrawling, "crawl", "urn:agenda:2", "urn:ngsi-ld:Organization:o", "", now)

	run, err := AsDataServiceRun(e.Clone())
	require.NoError(t, err)
	assert.Equal(t, "urn:agenda:2", run.AgendaID)
	assert.Equal(t, ServiceCrawling, run.Service)
	assert.Equal(t, []string{"urn:ngsi-ld:Organization:o", "urn:agenda:2"}, run.Sources)
	assert.Empty(t, run.CrawlRun())
	assert.Empty(t, run.Results)
	assert.True(t, run.Created.Equal(now))
}

func TestAsDataServiceRun_RequiresAgenda(t *testing.T) {
	e := NewEntity(TypeDataServiceRun).
		Set("configuration", Property([]ConfigParam{{Parameter: "other", Value: "x"}})).
		Set("service", Property(ServiceCrawling))
	_, err := AsDataServiceRun(e)
	assert.Error(t, err)
}

func TestAsKPI(t *testing.T) {
	e := NewEntity(TypeKPI).
		Set("source", Property([]string{"urn:ngsi-ld:DataServiceRun:m1", "urn:agenda:1"})).
		Set("organization", Relationship("urn:ngsi-ld:Organization:o1")).
		Set("kpiValue", Property(map[string]any{"complete_values": "http://fs/files/xyz"}))

	k, err := AsKPI(e)
	require.NoError(t, err)
	assert.True(t, k.HasSource("urn:ngsi-ld:DataServiceRun:m1"))
	assert.False(t, k.HasSource("urn:ngsi-ld:DataServiceRun:m2"))
	assert.Equal(t, "urn:ngsi-ld:Organization:o1", k.Organization)
	assert.Equal(t, "xyz", k.CompleteID())
}

func TestAsAgenda(t *testing.T) {
	a, err := AsAgenda(NewEntity(TypeAgenda).Set("name", Property("SDG")))
	require.NoError(t, err)
	assert.Equal(t, "SDG", a.Name)

	_, err = AsAgenda(NewEntity(TypeAgenda))
	assert.Error(t, err)
}
