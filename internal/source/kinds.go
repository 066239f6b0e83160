package source

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"district_ingest/internal/store"
)

// Kind tags the known source dataset shapes. Each kind has its own typed
// decode into a normalized Record; a new dataset shape means a new kind,
// not a wider generic record.
type Kind string

const (
	KindFire    Kind = "fire"
	KindCrime   Kind = "crime"
	Kind311     Kind = "311"
	KindHousing Kind = "housing"
	Kind911     Kind = "911"
	KindDOB     Kind = "dob"
)

// ErrSkipRow marks a row without a usable external id. Such rows are dropped
// rather than failing the cycle.
var ErrSkipRow = errors.New("row missing external id")

// Decoder turns raw API rows from one source into normalized Records.
type Decoder interface {
	Kind() Kind
	Decode(row Raw) (store.Record, error)
}

// NewDecoder builds the decoder for a configured source. sourceName becomes
// the Record.Source value; dataset feeds the per-record source URL.
func NewDecoder(kind, sourceName, dataset, baseURL string) (Decoder, error) {
	base := decoderBase{source: sourceName, dataset: dataset, baseURL: strings.TrimRight(baseURL, "/")}
	switch Kind(kind) {
	case KindFire:
		return &fireDecoder{base}, nil
	case KindCrime:
		return &crimeDecoder{base}, nil
	case Kind311:
		return &complaint311Decoder{base}, nil
	case KindHousing:
		return &housingDecoder{base}, nil
	case Kind911:
		return &call911Decoder{base}, nil
	case KindDOB:
		return &dobDecoder{base}, nil
	default:
		return nil, fmt.Errorf("unknown source kind %q", kind)
	}
}

type decoderBase struct {
	source  string
	dataset string
	baseURL string
}

func (d decoderBase) recordURL(idField, id string) string {
	return fmt.Sprintf("%s/%s.json?%s=%s", d.baseURL, d.dataset, idField, id)
}

// FireIncident is the typed shape of an FDNY incident row. FDNY data
// carries no coordinates, only an alarm box location.
type FireIncident struct {
	IncidentID      string
	OccurredAt      time.Time
	Classification  string
	Group           string
	AlarmLevel      string
	BoxLocation     string
	ResponseSeconds string
}

type fireDecoder struct{ decoderBase }

func (d *fireDecoder) Kind() Kind { return KindFire }

func (d *fireDecoder) Decode(row Raw) (store.Record, error) {
	inc := FireIncident{
		IncidentID:      str(row, "starfire_incident_id"),
		OccurredAt:      sodaTime(str(row, "incident_datetime")),
		Classification:  str(row, "incident_classification"),
		Group:           str(row, "incident_classification_group"),
		AlarmLevel:      str(row, "highest_alarm_level"),
		BoxLocation:     str(row, "alarm_box_location"),
		ResponseSeconds: str(row, "dispatch_response_seconds_qy"),
	}
	if inc.IncidentID == "" {
		return store.Record{}, ErrSkipRow
	}
	title := inc.Classification
	if title == "" {
		title = "Fire Incident"
	}
	return store.Record{
		Source:      d.source,
		ExternalID:  inc.IncidentID,
		OccurredAt:  inc.OccurredAt,
		Category:    inc.Group,
		Title:       title,
		Description: fmt.Sprintf("%s - Alarm Level: %s - Response: %ss", inc.Group, orNA(inc.AlarmLevel), orNA(inc.ResponseSeconds)),
		Address:     inc.BoxLocation,
		SourceURL:   d.recordURL("starfire_incident_id", inc.IncidentID),
		Severity:    fireSeverity(inc.AlarmLevel),
		Raw:         rawJSON(row),
	}, nil
}

// CrimeComplaint is the typed shape of an NYPD complaint row.
type CrimeComplaint struct {
	ComplaintNum string
	OccurredAt   time.Time
	Offense      string
	PDDesc       string
	LawCategory  string
	Precinct     string
	PremiseType  string
	Latitude     *float64
	Longitude    *float64
}

type crimeDecoder struct{ decoderBase }

func (d *crimeDecoder) Kind() Kind { return KindCrime }

func (d *crimeDecoder) Decode(row Raw) (store.Record, error) {
	c := CrimeComplaint{
		ComplaintNum: str(row, "cmplnt_num"),
		OccurredAt:   sodaTime(str(row, "cmplnt_fr_dt")),
		Offense:      str(row, "ofns_desc"),
		PDDesc:       str(row, "pd_desc"),
		LawCategory:  str(row, "law_cat_cd"),
		Precinct:     str(row, "addr_pct_cd"),
		PremiseType:  str(row, "prem_typ_desc"),
		Latitude:     floatPtr(row, "latitude"),
		Longitude:    floatPtr(row, "longitude"),
	}
	if c.ComplaintNum == "" {
		return store.Record{}, ErrSkipRow
	}
	title := c.Offense
	if title == "" {
		title = "Crime Incident"
	}
	return store.Record{
		Source:      d.source,
		ExternalID:  c.ComplaintNum,
		OccurredAt:  c.OccurredAt,
		Latitude:    c.Latitude,
		Longitude:   c.Longitude,
		Category:    c.LawCategory,
		Title:       title,
		Description: fmt.Sprintf("%s - %s - Precinct: %s", c.PDDesc, c.LawCategory, orNA(c.Precinct)),
		Address:     c.PremiseType,
		SourceURL:   d.recordURL("cmplnt_num", c.ComplaintNum),
		Severity:    crimeSeverity(c.LawCategory),
		Raw:         rawJSON(row),
	}, nil
}

// ServiceRequest is the typed shape of a 311 request row.
type ServiceRequest struct {
	UniqueKey     string
	CreatedAt     time.Time
	ComplaintType string
	Descriptor    string
	Address       string
	Status        string
	Latitude      *float64
	Longitude     *float64
}

type complaint311Decoder struct{ decoderBase }

func (d *complaint311Decoder) Kind() Kind { return Kind311 }

func (d *complaint311Decoder) Decode(row Raw) (store.Record, error) {
	req := ServiceRequest{
		UniqueKey:     str(row, "unique_key"),
		CreatedAt:     sodaTime(str(row, "created_date")),
		ComplaintType: str(row, "complaint_type"),
		Descriptor:    str(row, "descriptor"),
		Address:       str(row, "incident_address"),
		Status:        str(row, "status"),
		Latitude:      floatPtr(row, "latitude"),
		Longitude:     floatPtr(row, "longitude"),
	}
	if req.UniqueKey == "" {
		return store.Record{}, ErrSkipRow
	}
	title := req.ComplaintType
	if title == "" {
		title = "311 Complaint"
	}
	return store.Record{
		Source:      d.source,
		ExternalID:  req.UniqueKey,
		OccurredAt:  req.CreatedAt,
		Latitude:    req.Latitude,
		Longitude:   req.Longitude,
		Category:    title,
		Title:       title,
		Description: req.Descriptor,
		Address:     req.Address,
		Status:      req.Status,
		SourceURL:   "https://portal.311.nyc.gov/check-status/?id=" + req.UniqueKey,
		Severity:    "low",
		Raw:         rawJSON(row),
	}, nil
}

// HousingViolation is the typed shape of an HPD violation row.
type HousingViolation struct {
	ViolationID string
	IssuedAt    time.Time
	Class       string
	Description string
	HouseNumber string
	StreetName  string
	Status      string
	Latitude    *float64
	Longitude   *float64
}

type housingDecoder struct{ decoderBase }

func (d *housingDecoder) Kind() Kind { return KindHousing }

func (d *housingDecoder) Decode(row Raw) (store.Record, error) {
	v := HousingViolation{
		ViolationID: str(row, "violationid"),
		IssuedAt:    sodaTime(str(row, "novissueddate")),
		Class:       str(row, "class"),
		Description: str(row, "novdescription"),
		HouseNumber: str(row, "housenumber"),
		StreetName:  str(row, "streetname"),
		Status:      str(row, "currentstatus"),
		Latitude:    floatPtr(row, "latitude"),
		Longitude:   floatPtr(row, "longitude"),
	}
	if v.ViolationID == "" {
		return store.Record{}, ErrSkipRow
	}
	if v.IssuedAt.IsZero() {
		v.IssuedAt = sodaTime(str(row, "inspectiondate"))
	}
	return store.Record{
		Source:      d.source,
		ExternalID:  v.ViolationID,
		OccurredAt:  v.IssuedAt,
		Latitude:    v.Latitude,
		Longitude:   v.Longitude,
		Category:    "Class " + orNA(v.Class),
		Title:       "HPD Violation Class " + orNA(v.Class),
		Description: v.Description,
		Address:     strings.TrimSpace(v.HouseNumber + " " + v.StreetName),
		Status:      v.Status,
		SourceURL:   d.recordURL("violationid", v.ViolationID),
		Severity:    housingSeverity(v.Class),
		Raw:         rawJSON(row),
	}, nil
}

// EmergencyCall is the typed shape of an NYPD 911 CAD event row. The event
// carries its date and time-of-day in separate fields.
type EmergencyCall struct {
	CADEventID string
	Date       time.Time
	TimeOfDay  string
	CallType   string
	Borough    string
	Precinct   string
	Latitude   *float64
	Longitude  *float64
}

type call911Decoder struct{ decoderBase }

func (d *call911Decoder) Kind() Kind { return Kind911 }

func (d *call911Decoder) Decode(row Raw) (store.Record, error) {
	c := EmergencyCall{
		CADEventID: str(row, "cad_evnt_id"),
		Date:       sodaTime(str(row, "incident_date")),
		TimeOfDay:  str(row, "incident_time"),
		CallType:   str(row, "typ_desc"),
		Borough:    str(row, "boro_nm"),
		Precinct:   str(row, "nypd_pct_cd"),
		Latitude:   floatPtr(row, "latitude"),
		Longitude:  floatPtr(row, "longitude"),
	}
	if c.CADEventID == "" {
		return store.Record{}, ErrSkipRow
	}
	title := c.CallType
	if title == "" {
		title = "911 Call"
	}
	return store.Record{
		Source:      d.source,
		ExternalID:  c.CADEventID,
		OccurredAt:  withClock(c.Date, c.TimeOfDay),
		Latitude:    c.Latitude,
		Longitude:   c.Longitude,
		Category:    title,
		Title:       title,
		Description: fmt.Sprintf("Borough: %s - Precinct: %s", orNA(c.Borough), orNA(c.Precinct)),
		SourceURL:   d.recordURL("cad_evnt_id", c.CADEventID),
		Severity:    "medium",
		Raw:         rawJSON(row),
	}, nil
}

// BuildingComplaint is the typed shape of a DOB complaint row. The dataset
// carries no coordinates, only a street address.
type BuildingComplaint struct {
	ComplaintNumber string
	EnteredAt       time.Time
	Category        string
	HouseNumber     string
	HouseStreet     string
	Status          string
}

type dobDecoder struct{ decoderBase }

func (d *dobDecoder) Kind() Kind { return KindDOB }

func (d *dobDecoder) Decode(row Raw) (store.Record, error) {
	c := BuildingComplaint{
		ComplaintNumber: str(row, "complaint_number"),
		EnteredAt:       sodaTime(str(row, "date_entered")),
		Category:        str(row, "complaint_category"),
		HouseNumber:     str(row, "house_number"),
		HouseStreet:     str(row, "house_street"),
		Status:          str(row, "status"),
	}
	if c.ComplaintNumber == "" {
		return store.Record{}, ErrSkipRow
	}
	return store.Record{
		Source:      d.source,
		ExternalID:  c.ComplaintNumber,
		OccurredAt:  c.EnteredAt,
		Category:    "Category " + orNA(c.Category),
		Title:       "DOB Complaint Category " + orNA(c.Category),
		Description: fmt.Sprintf("Category: %s - Status: %s", orNA(c.Category), orNA(c.Status)),
		Address:     strings.TrimSpace(c.HouseNumber + " " + c.HouseStreet),
		Status:      c.Status,
		SourceURL:   d.recordURL("complaint_number", c.ComplaintNumber),
		Severity:    "medium",
		Raw:         rawJSON(row),
	}, nil
}

func fireSeverity(alarmLevel string) string {
	n, err := strconv.Atoi(strings.TrimSpace(alarmLevel))
	if err != nil {
		return "medium"
	}
	switch {
	case n >= 3:
		return "critical"
	case n >= 2:
		return "high"
	default:
		return "medium"
	}
}

func crimeSeverity(lawCat string) string {
	lawCat = strings.ToUpper(lawCat)
	switch {
	case strings.Contains(lawCat, "FELONY"):
		return "high"
	case strings.Contains(lawCat, "MISDEMEANOR"):
		return "medium"
	default:
		return "low"
	}
}

func housingSeverity(class string) string {
	switch strings.ToUpper(strings.TrimSpace(class)) {
	case "C":
		return "high"
	case "B":
		return "medium"
	default:
		return "low"
	}
}

// withClock merges a bare HH:MM:SS time-of-day into a date-only timestamp.
// An unparseable clock leaves the date at midnight.
func withClock(day time.Time, clock string) time.Time {
	c, err := time.Parse("15:04:05", strings.TrimSpace(clock))
	if err != nil || day.IsZero() {
		return day
	}
	return day.Add(time.Duration(c.Hour())*time.Hour +
		time.Duration(c.Minute())*time.Minute +
		time.Duration(c.Second())*time.Second)
}

// sodaTime parses SODA floating timestamps, which come with or without
// fractional seconds, occasionally as a bare date, and in DOB exports as a
// US-style date string.
func sodaTime(v string) time.Time {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}
	}
	for _, layout := range []string{
		"2006-01-02T15:04:05.000",
		"2006-01-02T15:04:05",
		"2006-01-02",
		"01/02/2006",
	} {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func str(row Raw, key string) string {
	v, ok := row[key]
	if !ok {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}

func floatPtr(row Raw, key string) *float64 {
	v, ok := row[key]
	if !ok {
		return nil
	}
	switch t := v.(type) {
	case float64:
		return &t
	case string:
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return nil
		}
		return &f
	default:
		return nil
	}
}

func orNA(v string) string {
	if strings.TrimSpace(v) == "" {
		return "N/A"
	}
	return v
}

func rawJSON(row Raw) string {
	b, err := json.Marshal(row)
	if err != nil {
		return "{}"
	}
	return string(b)
}
