package domain

import (
	"testing"

	"github.com/google/uuid"
)

func medicine(id, name string, tod TimeOfDay) Medicine {
	return Medicine{
		ID:        uuid.MustParse(id),
		Name:      name,
		Time:      tod,
		Frequency: FrequencyDaily,
		StartDate: NewDate(2025, 1, 1),
		NoEndDate: true,
	}
}

func ids(ms []Medicine) []string {
	out := make([]string, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.ID.String()[len(m.ID.String())-2:])
	}
	return out
}

func TestSortByTime(t *testing.T) {
	ms := []Medicine{
		medicine("00000000-0000-0000-0000-000000000001", "Vitamin D", TimeOfDay{Hour: 21}),
		medicine("00000000-0000-0000-0000-000000000002", "aspirin", TimeOfDay{Hour: 9}),
		medicine("00000000-0000-0000-0000-000000000003", "Aspirin", TimeOfDay{Hour: 9}),
		medicine("00000000-0000-0000-0000-000000000005", "Ibuprofen", TimeOfDay{Hour: 9}),
		medicine("00000000-0000-0000-0000-000000000004", "Ibuprofen", TimeOfDay{Hour: 9}),
		medicine("00000000-0000-0000-0000-000000000006", "Zinc", TimeOfDay{Hour: 8, Minute: 59}),
	}
	// Dates must not influence the time key.
	ms[1].StartDate = NewDate(2030, 6, 1)

	SortByTime(ms)

	want := []string{"06", "02", "03", "04", "05", "01"}
	if got := ids(ms); !equalStrings(got, want) {
		t.Fatalf("order = %v, want %v", got, want)
	}
}

func TestSortForListing(t *testing.T) {
	base := func(id string) Medicine {
		return medicine(id, "Metformin", TimeOfDay{Hour: 8})
	}

	laterStart := base("00000000-0000-0000-0000-000000000011")
	laterStart.StartDate = NewDate(2025, 2, 1)

	endsSoon := base("00000000-0000-0000-0000-000000000012")
	endsSoon.NoEndDate = false
	endsSoon.EndDate = NewDate(2025, 1, 15)

	endsLater := base("00000000-0000-0000-0000-000000000013")
	endsLater.NoEndDate = false
	endsLater.EndDate = NewDate(2025, 3, 1)

	openEnded := base("00000000-0000-0000-0000-000000000014")

	evening := base("00000000-0000-0000-0000-000000000015")
	evening.Time = TimeOfDay{Hour: 20}

	weekly := base("00000000-0000-0000-0000-000000000016")
	weekly.Frequency = FrequencyWeekly

	custom2 := base("00000000-0000-0000-0000-000000000017")
	custom2.Frequency = FrequencyCustom
	custom2.CustomInterval = 2

	custom10 := base("00000000-0000-0000-0000-000000000018")
	custom10.Frequency = FrequencyCustom
	custom10.CustomInterval = 10

	other := medicine("00000000-0000-0000-0000-000000000019", "Amoxicillin", TimeOfDay{Hour: 23})

	ms := []Medicine{custom10, laterStart, evening, custom2, openEnded, weekly, endsLater, other, endsSoon}
	SortForListing(ms)

	want := []string{"19", "12", "13", "14", "16", "17", "18", "15", "11"}
	if got := ids(ms); !equalStrings(got, want) {
		t.Fatalf("order = %v, want %v", got, want)
	}
}

func TestCompare_StrictTotalOrder(t *testing.T) {
	ms := []Medicine{
		medicine("00000000-0000-0000-0000-000000000021", "b", TimeOfDay{Hour: 7}),
		medicine("00000000-0000-0000-0000-000000000022", "B", TimeOfDay{Hour: 7}),
		medicine("00000000-0000-0000-0000-000000000023", "b", TimeOfDay{Hour: 7}),
		medicine("00000000-0000-0000-0000-000000000024", "é", TimeOfDay{Hour: 7}),
		medicine("00000000-0000-0000-0000-000000000025", "e", TimeOfDay{Hour: 6, Minute: 30}),
		medicine("00000000-0000-0000-0000-000000000026", "f", TimeOfDay{Hour: 7}),
	}

	for name, compare := range map[string]func(a, b Medicine) int{
		"by time": CompareByTime,
		"listing": CompareForListing,
	} {
		t.Run(name, func(t *testing.T) {
			for i, a := range ms {
				for j, b := range ms {
					ab, ba := compare(a, b), compare(b, a)
					if ab != -ba {
						t.Fatalf("not antisymmetric for %d,%d: %d vs %d", i, j, ab, ba)
					}
					if (ab == 0) != (i == j) {
						t.Fatalf("compare(%d,%d) = %d", i, j, ab)
					}
					for k, c := range ms {
						if ab < 0 && compare(b, c) < 0 && compare(a, c) >= 0 {
							t.Fatalf("not transitive for %d,%d,%d", i, j, k)
						}
					}
				}
			}
		})
	}
}

func TestCompareNames_LocaleAware(t *testing.T) {
	if compareNames("émile", "zoe") >= 0 {
		t.Fatalf("expected accented name to sort with its base letter")
	}
	if compareNames("a", "A") == 0 {
		t.Fatalf("expected case to distinguish names")
	}
}

func TestOrderSort(t *testing.T) {
	a := medicine("00000000-0000-0000-0000-000000000031", "Zinc", TimeOfDay{Hour: 6})
	b := medicine("00000000-0000-0000-0000-000000000032", "Aspirin", TimeOfDay{Hour: 22})

	ms := []Medicine{b, a}
	OrderByTime.Sort(ms)
	if ms[0].ID != a.ID {
		t.Fatalf("time order first = %s, want Zinc", ms[0].Name)
	}

	OrderListing.Sort(ms)
	if ms[0].ID != b.ID {
		t.Fatalf("listing order first = %s, want Aspirin", ms[0].Name)
	}
}
