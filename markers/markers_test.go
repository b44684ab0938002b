package markers

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/timzifer/fleetreplay/fleet"
)

func f(v float64) *float64 { return &v }

func vessel(id, name, class, kind string) fleet.VesselRecord {
	return fleet.VesselRecord{VesselID: id, Name: name, VesselClass: class, VesselType: kind, Lat: f(-23.5), Lon: f(-46.3)}
}

func newRenderer(t *testing.T, opts Options) *Renderer {
	t.Helper()
	opts.Logger = zerolog.Nop()
	r, err := NewRenderer(opts)
	require.NoError(t, err)
	return r
}

func TestDefaultStyleTable(t *testing.T) {
	r := newRenderer(t, Options{})
	cases := []struct {
		record fleet.VesselRecord
		rule   string
		color  string
		size   int
		icon   IconKind
	}{
		{vessel("1", "Buoy", "ATON", ""), "aton", "#000000", 18, IconLighthouse},
		{vessel("2", "Pilot", "PILOT_VESSEL", "PLT"), "pilot", "#FF3D71", 18, IconArrow},
		{vessel("3", "Catch", "fishing_boat", ""), "fishing", "#B432AC", 17, IconArrow},
		{vessel("4", "Saam Tupi", "TUG", "TUG"), "tug_saam", "#FFAA00", 20, IconArrow},
		{vessel("5", "Other Tug", "TUG", "TUG"), "tug_type", "#0095FF", 20, IconArrow},
		{vessel("6", "Class Tug", "TUG", "OTH"), "tug_class", "#00B383", 18, IconArrow},
		{vessel("7", "Box", "CARGO_SHIP", "CGO"), "cargo", "#274BDB", 27, IconArrow},
		{vessel("8", "Ferry", "PASSENGER_SHIP", ""), "passenger", "#14004F", 23, IconArrow},
		{vessel("9", "Oil", "TANKER", ""), "tanker", "#DB2C66", 27, IconArrow},
		{vessel("10", "Unknown", "", ""), "default", "#2cb9f3", 21, IconArrow},
	}
	for _, tc := range cases {
		markers := r.Render([]fleet.VesselRecord{tc.record}, false)
		require.Len(t, markers, 1)
		m := markers[0]
		require.Equal(t, tc.rule, m.Rule, tc.record.Name)
		require.Equal(t, tc.color, m.Icon.Color, tc.record.Name)
		require.Equal(t, tc.size, m.Icon.Size, tc.record.Name)
		require.Equal(t, tc.icon, m.Icon.Kind, tc.record.Name)
		require.Equal(t, tc.record.VesselID, m.Key)
	}
}

func TestConfiguredRulesWinAndPaletteOverrides(t *testing.T) {
	r := newRenderer(t, Options{
		Rules: []Rule{{ID: "dredger", When: `Class == "DREDGER" || Name == "Digger"`, Color: "brand", Size: 30}},
		Palette: map[string]string{
			"brand":        "#123456",
			"colorInfo600": "#000001",
		},
	})
	markers := r.Render([]fleet.VesselRecord{
		vessel("1", "Digger", "TANKER", ""),
		vessel("2", "Tug", "", "TUG"),
	}, false)
	require.Equal(t, "dredger", markers[0].Rule)
	require.Equal(t, "#123456", markers[0].Icon.Color)
	require.Equal(t, IconArrow, markers[0].Icon.Kind)
	require.Equal(t, "#000001", markers[1].Icon.Color)
}

func TestNewRendererRejectsInvalidRules(t *testing.T) {
	_, err := NewRenderer(Options{Rules: []Rule{{ID: "bad", When: "Class ==", Color: "#fff"}}})
	require.Error(t, err)

	_, err = NewRenderer(Options{Rules: []Rule{{ID: "num", When: "1 + 1", Color: "#fff"}}})
	require.Error(t, err, "conditions must be boolean")

	_, err = NewRenderer(Options{Rules: []Rule{{ID: "icon", When: "true", Icon: "star", Color: "#fff"}}})
	require.Error(t, err)

	_, err = NewRenderer(Options{Rules: []Rule{{ID: "color", When: "true"}}})
	require.Error(t, err)
}

func TestRotation(t *testing.T) {
	rec := vessel("1", "A", "", "")
	require.Nil(t, Rotation(rec))

	rec.Course = f(90)
	require.Equal(t, 45.0, *Rotation(rec))

	rec.Heading = f(0)
	require.Equal(t, 45.0, *Rotation(rec), "zero heading falls back to course")

	rec.Heading = f(180)
	require.Equal(t, 135.0, *Rotation(rec))

	rec.Course = nil
	require.Equal(t, 135.0, *Rotation(rec))
}

func TestLighthousesAreNotRotated(t *testing.T) {
	r := newRenderer(t, Options{})
	rec := vessel("1", "Buoy", "ATON", "")
	rec.Course = f(10)
	markers := r.Render([]fleet.VesselRecord{rec}, false)
	require.Nil(t, markers[0].Rotation)
}

func TestPopupSkipsMissingFields(t *testing.T) {
	r := newRenderer(t, Options{})
	rec := vessel("1", "Ship", "CARGO_SHIP_A", "")
	rec.MMSI = "710000001"

	m := r.Render([]fleet.VesselRecord{rec}, false)[0]
	require.Equal(t, Popup{Name: "Ship", MMSI: "MMSI: 710000001", Class: "CARGO SHIP_A"}, m.Popup)
	require.Empty(t, m.Tooltip)

	ts := int64(1700000000)
	rec.Timestamp = &ts
	rec.Course = f(12.3)
	rec.Speed = f(0)
	m = r.Render([]fleet.VesselRecord{rec}, true)[0]
	require.Equal(t, "12.3°", m.Popup.Course)
	require.Equal(t, "0 kn", m.Popup.Speed, "zero speed is still shown")
	require.Equal(t, time.Unix(ts, 0).UTC(), *m.Popup.LastUpdate)
	require.Equal(t, "Ship", m.Tooltip)

	rec.Speed = f(7.5)
	m = r.Render([]fleet.VesselRecord{rec}, true)[0]
	require.Equal(t, "7.5 kn", m.Popup.Speed)
}

func TestRenderDropsRecordsWithoutLatitude(t *testing.T) {
	r := newRenderer(t, Options{})
	noLat := vessel("2", "Ghost", "", "")
	noLat.Lat = nil
	markers := r.Render([]fleet.VesselRecord{vessel("1", "A", "", ""), noLat}, false)
	require.Len(t, markers, 1)
	require.Equal(t, "1", markers[0].Key)
	require.Empty(t, r.Render(nil, false))
}
