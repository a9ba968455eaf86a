// Package trees implements the progressive district loading pipeline:
// manifest loading, per-district conversion of raw tree records into
// styled map markers, and the orchestrator that drives the traversal.
package trees

import (
	"strconv"
	"strings"
)

// The source data mixes short keys (the compressed district files) with
// the long keys of the raw city export. Each logical attribute resolves
// through an ordered candidate list, first match wins.
var (
	speciesKeys      = []string{"sn", "species", "Nombre científico"}
	commonNameKeys   = []string{"cn", "common_name", "CODIGO_ESP"}
	diameterKeys     = []string{"d", "diameter"}
	heightKeys       = []string{"h", "height"}
	districtKeys     = []string{"dt", "NBRE_DTO"}
	neighborhoodKeys = []string{"nb", "NBRE_BARRI"}
)

// Attributes are the resolved, typed fields of one tree record.
type Attributes struct {
	Species      string
	CommonName   string
	Diameter     float64
	Height       float64
	District     string
	Neighborhood string
}

// ResolveAttributes resolves a loosely-typed property bag through the
// alias chains. Missing attributes resolve to zero values, not errors.
func ResolveAttributes(props map[string]interface{}) Attributes {
	return Attributes{
		Species:      resolveString(props, speciesKeys),
		CommonName:   resolveString(props, commonNameKeys),
		Diameter:     resolveNumber(props, diameterKeys),
		Height:       resolveNumber(props, heightKeys),
		District:     resolveString(props, districtKeys),
		Neighborhood: resolveString(props, neighborhoodKeys),
	}
}

func resolveString(props map[string]interface{}, keys []string) string {
	for _, key := range keys {
		v, ok := props[key]
		if !ok {
			continue
		}
		switch s := v.(type) {
		case string:
			if s != "" {
				return s
			}
		case float64:
			return strconv.FormatFloat(s, 'f', -1, 64)
		}
	}
	return ""
}

func resolveNumber(props map[string]interface{}, keys []string) float64 {
	for _, key := range keys {
		v, ok := props[key]
		if !ok {
			continue
		}
		switch n := v.(type) {
		case float64:
			return n
		case int:
			return float64(n)
		case string:
			// Some exports carry numbers as strings, occasionally with
			// a comma decimal separator.
			s := strings.ReplaceAll(strings.TrimSpace(n), ",", ".")
			if f, err := strconv.ParseFloat(s, 64); err == nil {
				return f
			}
		}
	}
	return 0
}
