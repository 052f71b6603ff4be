package protocol

import (
	"encoding/json"
	"math"
)

// JSONFloat is a float64 that encodes NaN and ±Inf as null. A failed
// sensor reports NaN, which encoding/json would otherwise refuse.
type JSONFloat float64

func (f JSONFloat) MarshalJSON() ([]byte, error) {
	v := float64(f)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return []byte("null"), nil
	}
	return json.Marshal(v)
}

// JSONFloats converts a series for JSON output.
func JSONFloats(vs []float64) []JSONFloat {
	out := make([]JSONFloat, len(vs))
	for i, v := range vs {
		out[i] = JSONFloat(v)
	}
	return out
}

func (v Vec3) MarshalJSON() ([]byte, error) {
	return json.Marshal([3]JSONFloat{JSONFloat(v[0]), JSONFloat(v[1]), JSONFloat(v[2])})
}

func (t Telemetry) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Altitude     JSONFloat `json:"altitude"`
		Temperature  JSONFloat `json:"temperature"`
		Orientation  Vec3      `json:"orientation"`
		Acceleration Vec3      `json:"acceleration"`
		LinearAccel  Vec3      `json:"linearAccel"`
	}{
		JSONFloat(t.Altitude), JSONFloat(t.Temperature),
		t.Orientation, t.Acceleration, t.LinearAccel,
	})
}

func (s FlightStats) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		CurrentAltitude     JSONFloat `json:"currentAltitude"`
		MaxAcceleration     JSONFloat `json:"maxAcceleration"`
		MaxTemperature      JSONFloat `json:"maxTemperature"`
		MaxAltitude         JSONFloat `json:"maxAltitude"`
		SurvivabilityRating JSONFloat `json:"survivabilityRating"`
	}{
		JSONFloat(s.CurrentAltitude), JSONFloat(s.MaxAcceleration), JSONFloat(s.MaxTemperature),
		JSONFloat(s.MaxAltitude), JSONFloat(s.SurvivabilityRating),
	})
}

func (u FieldUpdate) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Field Field     `json:"field"`
		Value JSONFloat `json:"value"`
	}{u.Field, JSONFloat(u.Value)})
}
