package broker

import (
	"context"
	"sort"
)

// Runs returns the runs of service that belong to agendaID, newest first.
// Entities that do not decode as runs are skipped.
func Runs(ctx context.Context, s Store, service, agendaID string) ([]DataServiceRun, error) {
	entities, err := s.Query(ctx, TypeDataServiceRun)
	if err != nil {
		return nil, err
	}
	var runs []DataServiceRun
	for _, e := range entities {
		run, err := AsDataServiceRun(e)
		if err != nil || run.Service != service || run.AgendaID != agendaID {
			continue
		}
		runs = append(runs, run)
	}
	sort.SliceStable(runs, func(i, j int) bool { return runs[i].Created.After(runs[j].Created) })
	return runs, nil
}

// LatestRun returns the newest of runs that names orgID as a source.
// runs must be sorted newest first.
func LatestRun(runs []DataServiceRun, orgID string) (DataServiceRun, bool) {
	for _, r := range runs {
		if r.Organization() == orgID {
			return r, true
		}
	}
	return DataServiceRun{}, false
}

// RunByID returns the run with the given id.
func RunByID(runs []DataServiceRun, id string) (DataServiceRun, bool) {
	for _, r := range runs {
		if r.ID == id {
			return r, true
		}
	}
	return DataServiceRun{}, false
}

// KPIs returns every decodable KPI entity.
func KPIs(ctx context.Context, s Store) ([]KPI, error) {
	entities, err := s.Query(ctx, TypeKPI)
	if err != nil {
		return nil, err
	}
	out := make([]KPI, 0, len(entities))
	for _, e := range entities {
		if k, err := AsKPI(e); err == nil {
			out = append(out, k)
		}
	}
	return out, nil
}

// KPIForRun returns the KPI whose sources include runID.
func KPIForRun(kpis []KPI, runID string) (KPI, bool) {
	for _, k := range kpis {
		if k.HasSource(runID) {
			return k, true
		}
	}
	return KPI{}, false
}

// Organizations returns every decodable organization. The second result
// counts the entities that were skipped.
func Organizations(ctx context.Context, s Store) ([]Organization, int, error) {
	entities, err := s.Query(ctx, TypeOrganization)
	if err != nil {
		return nil, 0, err
	}
	out := make([]Organization, 0, len(entities))
	skipped := 0
	for _, e := range entities {
		o, err := AsOrganization(e)
		if err != nil {
			skipped++
			continue
		}
		out = append(out, o)
	}
	return out, skipped, nil
}

// Agendas returns every decodable agenda ordered by name.
func Agendas(ctx context.Context, s Store) ([]Agenda, error) {
	entities, err := s.Query(ctx, TypeAgenda)
	if err != nil {
		return nil, err
	}
	out := make([]Agenda, 0, len(entities))
	for _, e := range entities {
		if a, err := AsAgenda(e); err == nil {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
