package models

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/smartdevs17/eas-logbook/pkg/utils"
)

// DefaultSchemaString is the one schema every encode and decode call site uses
const DefaultSchemaString = "uint256 eventTimestamp,string srs,string locationType,string location," +
	"string[] recipeType,bytes[] recipePayload,string[] mediaType,string[] mediaData,string memo"

// Fixed values of the location descriptor fields
const (
	SpatialReferenceSystem = "EPSG:4326"
	LocationTypeDecimal    = "DecimalDegrees<string>"
)

// Schema field names
const (
	FieldEventTimestamp = "eventTimestamp"
	FieldSRS            = "srs"
	FieldLocationType   = "locationType"
	FieldLocation       = "location"
	FieldRecipeType     = "recipeType"
	FieldRecipePayload  = "recipePayload"
	FieldMediaType      = "mediaType"
	FieldMediaData      = "mediaData"
	FieldMemo           = "memo"
)

// LogEntry is a draft log entry before submission
type LogEntry struct {
	Longitude      float64  `json:"longitude"`
	Latitude       float64  `json:"latitude"`
	EventTimestamp int64    `json:"eventTimestamp"`
	Memo           string   `json:"memo"`
	MediaType      []string `json:"mediaType"`
	MediaData      []string `json:"mediaData"`
}

// Validate checks the draft before it is handed to the codec
func (e *LogEntry) Validate() error {
	if math.IsNaN(e.Longitude) || e.Longitude < -180 || e.Longitude > 180 {
		return utils.NewAppError(utils.ErrCodeValidation, "Longitude out of range",
			fmt.Sprintf("%v", e.Longitude))
	}
	if math.IsNaN(e.Latitude) || e.Latitude < -90 || e.Latitude > 90 {
		return utils.NewAppError(utils.ErrCodeValidation, "Latitude out of range",
			fmt.Sprintf("%v", e.Latitude))
	}
	if e.EventTimestamp < 0 {
		return utils.NewAppError(utils.ErrCodeValidation, "Event timestamp must not be negative",
			strconv.FormatInt(e.EventTimestamp, 10))
	}
	if len(e.MediaType) != len(e.MediaData) {
		return utils.NewAppError(utils.ErrCodeValidation, "Media type and media data must pair up",
			fmt.Sprintf("%d types, %d references", len(e.MediaType), len(e.MediaData)))
	}
	return nil
}

// HasMedia reports whether the entry references at least one media item
func (e *LogEntry) HasMedia() bool {
	for _, ref := range e.MediaData {
		if ref != "" {
			return true
		}
	}
	return false
}

// Location renders the coordinate pair in the "<lon>, <lat>" wire form
func (e *LogEntry) Location() string {
	return FormatLocation(e.Longitude, e.Latitude)
}

// Values maps the entry onto the fields of DefaultSchemaString
func (e *LogEntry) Values() map[string]interface{} {
	mediaType := e.MediaType
	if mediaType == nil {
		mediaType = []string{}
	}
	mediaData := e.MediaData
	if mediaData == nil {
		mediaData = []string{}
	}
	return map[string]interface{}{
		FieldEventTimestamp: e.EventTimestamp,
		FieldSRS:            SpatialReferenceSystem,
		FieldLocationType:   LocationTypeDecimal,
		FieldLocation:       e.Location(),
		FieldRecipeType:     []string{},
		FieldRecipePayload:  [][]byte{},
		FieldMediaType:      mediaType,
		FieldMediaData:      mediaData,
		FieldMemo:           e.Memo,
	}
}

// FormatLocation uses the shortest representation that parses back exactly
func FormatLocation(lon, lat float64) string {
	return strconv.FormatFloat(lon, 'f', -1, 64) + ", " + strconv.FormatFloat(lat, 'f', -1, 64)
}

// ParseLocationStrict parses "<lon>, <lat>" and rejects anything else
func ParseLocationStrict(s string) (lon, lat float64, err error) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("location %q: expected \"<lon>, <lat>\"", s)
	}
	lon, err = strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("location %q: longitude: %w", s, err)
	}
	lat, err = strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("location %q: latitude: %w", s, err)
	}
	return lon, lat, nil
}
