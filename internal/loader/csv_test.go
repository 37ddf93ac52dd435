package loader

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/HerbHall/tripscan/internal/testutil"
	"github.com/HerbHall/tripscan/pkg/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tripCSV = `time_s,speed_kmh,rpm,coolant_c,throttle_pct
0,0,800,88.5,0
1,12.5,1500,90,22
2,40,2300,131.2,35
`

func TestRead(t *testing.T) {
	samples, err := Read(strings.NewReader(tripCSV))
	require.NoError(t, err)
	require.Len(t, samples, 3)

	assert.Equal(t, telemetry.Sample{
		TimeS:        1,
		SpeedKPH:     12.5,
		RPM:          1500,
		CoolantC:     90,
		ThrottlePct:  22,
		CoolantTempC: telemetry.Float(90),
	}, samples[1])
	require.NotNil(t, samples[2].CoolantTempC, "gauge mirrors coolant_c when the column is absent")
	assert.Equal(t, 131.2, *samples[2].CoolantTempC)
}

func TestRead_HeaderOnly(t *testing.T) {
	samples, err := Read(strings.NewReader("time_s,speed_kmh,rpm,coolant_c,throttle_pct\n"))
	require.NoError(t, err)
	assert.Empty(t, samples)
}

func TestRead_EmptyInput(t *testing.T) {
	_, err := Read(strings.NewReader(""))
	assert.ErrorIs(t, err, ErrEmptyInput)
}

func TestRead_SpeedAliasAndColumnOrder(t *testing.T) {
	in := "rpm,throttle_pct,TIME_S,coolant_c,speed_kph\n750,1,3.5,70,0.5\n"
	samples, err := Read(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.Equal(t, 3.5, samples[0].TimeS)
	assert.Equal(t, 0.5, samples[0].SpeedKPH)
	assert.Equal(t, 750.0, samples[0].RPM)
}

func TestRead_CoolantGaugeColumn(t *testing.T) {
	in := "time_s,speed_kmh,rpm,coolant_c,throttle_pct,coolant_temp_c\n" +
		"0,0,800,90,0,85\n" +
		"1,0,800,90,0,\n"
	samples, err := Read(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, samples, 2)

	require.NotNil(t, samples[0].CoolantTempC)
	assert.Equal(t, 85.0, *samples[0].CoolantTempC)
	assert.Nil(t, samples[1].CoolantTempC, "blank gauge reading is absent")
}

func TestRead_MissingColumn(t *testing.T) {
	_, err := Read(strings.NewReader("time_s,speed_kmh,coolant_c,throttle_pct\n0,0,90,0\n"))
	require.ErrorIs(t, err, ErrMissingColumn)
	assert.Contains(t, err.Error(), "rpm")
}

func TestRead_ParseErrors(t *testing.T) {
	const header = "time_s,speed_kmh,rpm,coolant_c,throttle_pct\n"
	tests := []struct {
		name    string
		rows    string
		wantRow int
		field   string
		value   string
		wantMsg string
	}{
		{
			name:    "float field",
			rows:    "0,0,800,90,0\n1,fast,800,90,0\n",
			wantRow: 2,
			field:   "speed_kmh",
			value:   "fast",
			wantMsg: `row 2: invalid float for speed_kmh: "fast"`,
		},
		{
			name:    "rpm must be integral",
			rows:    "0,0,800.5,90,0\n",
			wantRow: 1,
			field:   "rpm",
			value:   "800.5",
			wantMsg: `row 1: invalid int for rpm: "800.5"`,
		},
		{
			name:    "blank required value",
			rows:    "0,0,800,,0\n",
			wantRow: 1,
			field:   "coolant_c",
			value:   "",
			wantMsg: `row 1: invalid float for coolant_c: ""`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			samples, err := Read(strings.NewReader(header + tt.rows))
			assert.Nil(t, samples)

			var pe *ParseError
			require.True(t, errors.As(err, &pe), "want *ParseError, got %v", err)
			assert.Equal(t, tt.wantRow, pe.Row)
			assert.Equal(t, tt.field, pe.Field)
			assert.Equal(t, tt.value, pe.Value)
			assert.EqualError(t, err, tt.wantMsg)

			var numErr *strconv.NumError
			assert.True(t, errors.As(err, &numErr), "cause is preserved")
		})
	}
}

func TestRead_NonFiniteValues(t *testing.T) {
	const header = "time_s,speed_kmh,rpm,coolant_c,throttle_pct,coolant_temp_c\n"
	tests := []struct {
		name  string
		rows  string
		field string
	}{
		{"nan timestamp", "0,0,800,90,0,90\nNaN,0,800,90,0,90\n", ColTime},
		{"infinite coolant", "0,0,800,+Inf,0,90\n", ColCoolant},
		{"infinite throttle", "0,0,800,90,-inf,90\n", ColThrottle},
		{"nan gauge", "0,0,800,90,0,nan\n", ColCoolantGauge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			samples, err := Read(strings.NewReader(header + tt.rows))
			assert.Nil(t, samples)
			require.ErrorIs(t, err, ErrNotFinite)

			var pe *ParseError
			require.True(t, errors.As(err, &pe))
			assert.Equal(t, tt.field, pe.Field)
		})
	}
}

func TestRead_ParseErrorUsesCanonicalColumn(t *testing.T) {
	tests := []struct {
		name   string
		header string
		row    string
		field  string
	}{
		{"padded upper-case rpm", "time_s, RPM ,speed_kmh,coolant_c,throttle_pct", "0,idle,0,90,0", ColRPM},
		{"mixed-case time", "Time_S,speed_kmh,rpm,coolant_c,throttle_pct", "x,0,800,90,0", ColTime},
		{"speed alias", "time_s,Speed_KPH,rpm,coolant_c,throttle_pct", "0,slow,800,90,0", ColSpeedAlt},
		{"gauge", "time_s,speed_kmh,rpm,coolant_c,throttle_pct,COOLANT_TEMP_C", "0,0,800,90,0,warm", ColCoolantGauge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Read(strings.NewReader(tt.header + "\n" + tt.row + "\n"))
			var pe *ParseError
			require.True(t, errors.As(err, &pe), "want *ParseError, got %v", err)
			assert.Equal(t, tt.field, pe.Field)
			assert.Contains(t, err.Error(), "for "+tt.field+":")
		})
	}
}

func TestRead_NonMonotonic(t *testing.T) {
	in := "time_s,speed_kmh,rpm,coolant_c,throttle_pct\n0,0,800,90,0\n2,0,800,90,0\n2,0,800,90,0\n1,0,800,90,0\n"
	_, err := Read(strings.NewReader(in))
	require.ErrorIs(t, err, ErrNonMonotonic)
	assert.Contains(t, err.Error(), "row 4")
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trip.csv")
	require.NoError(t, os.WriteFile(path, []byte(tripCSV), 0o600))

	samples, err := LoadFile(path)
	require.NoError(t, err)
	assert.Len(t, samples, 3)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.csv"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestRead_FixtureRoundTrip(t *testing.T) {
	trip := testutil.Trip(
		testutil.HuntingIdle(0, 10, 30, 800, 150),
		[]telemetry.Sample{testutil.NewSample(3, testutil.WithoutGauge(), testutil.WithCoolant(131.5))},
	)
	samples, err := Read(strings.NewReader(testutil.CSV(trip)))
	require.NoError(t, err)
	assert.Equal(t, trip, samples)
}
