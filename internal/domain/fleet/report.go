package fleet

import (
	"fmt"
	"strconv"
	"strings"
)

// Report is the denormalized record of one completed work session. Field
// order and JSON names form the wire schema of the report topic.
type Report struct {
	DriverID        string  `json:"driver_id"`
	FirstName       string  `json:"first_name"`
	LastName        string  `json:"last_name"`
	Email           string  `json:"email"`
	Phone           string  `json:"phone"`
	TruckID         string  `json:"truck_id"`
	Immatriculation string  `json:"immatriculation"`
	StartTime       string  `json:"start_time"`
	EndTime         string  `json:"end_time"`
	RestTime        string  `json:"rest_time"`
	LatitudeStart   float64 `json:"latitude_start"`
	LongitudeStart  float64 `json:"longitude_start"`
	TimestampStart  string  `json:"timestamp_start"`
	LatitudeEnd     float64 `json:"latitude_end"`
	LongitudeEnd    float64 `json:"longitude_end"`
	TimestampEnd    string  `json:"timestamp_end"`
	LatitudeRest    float64 `json:"latitude_rest"`
	LongitudeRest   float64 `json:"longitude_rest"`
	TimestampRest   string  `json:"timestamp_rest"`
}

// NewReport assembles a Report from the four facts of a session. It fails
// with ErrSessionIncomplete unless both aggregates are complete and belong
// to the given driver and truck.
func NewReport(d Driver, t Truck, ta TimeAggregate, pa PositionAggregate) (Report, error) {
	if !ta.Complete() || !pa.Complete() {
		return Report{}, fmt.Errorf("%w: driver %s truck %s", ErrSessionIncomplete, d.DriverID, t.TruckID)
	}
	if ta.DriverID != d.DriverID || pa.TruckID != t.TruckID {
		return Report{}, fmt.Errorf("%w: aggregates do not match driver %s truck %s",
			ErrSessionIncomplete, d.DriverID, t.TruckID)
	}

	return Report{
		DriverID:        d.DriverID,
		FirstName:       d.FirstName,
		LastName:        d.LastName,
		Email:           d.Email,
		Phone:           d.Phone,
		TruckID:         t.TruckID,
		Immatriculation: t.Immatriculation,
		StartTime:       ta.Start.Timestamp,
		EndTime:         ta.End.Timestamp,
		RestTime:        ta.Rest.Timestamp,
		LatitudeStart:   pa.Start.Latitude,
		LongitudeStart:  pa.Start.Longitude,
		TimestampStart:  pa.Start.Timestamp,
		LatitudeEnd:     pa.End.Latitude,
		LongitudeEnd:    pa.End.Longitude,
		TimestampEnd:    pa.End.Timestamp,
		LatitudeRest:    pa.Rest.Latitude,
		LongitudeRest:   pa.Rest.Longitude,
		TimestampRest:   pa.Rest.Timestamp,
	}, nil
}

// SessionKey identifies one work session: the join key plus the duty
// timestamps. At most one Report is emitted per SessionKey.
func (r Report) SessionKey() SessionKey {
	return SessionKey{
		DriverID: r.DriverID,
		TruckID:  r.TruckID,
		Start:    r.StartTime,
		Rest:     r.RestTime,
		End:      r.EndTime,
	}
}

// SessionKey identifies one work session.
type SessionKey struct {
	DriverID string
	TruckID  string
	Start    string
	Rest     string
	End      string
}

// String renders the key in a stable form used by session ledgers. Every
// field is length-prefixed so separators inside ids cannot make two keys
// collide.
func (k SessionKey) String() string {
	var b strings.Builder
	for i, f := range []string{k.DriverID, k.TruckID, k.Start, k.Rest, k.End} {
		if i > 0 {
			b.WriteByte('|')
		}
		b.WriteString(strconv.Itoa(len(f)))
		b.WriteByte(':')
		b.WriteString(f)
	}
	return b.String()
}
