package deviceapi

import (
	"strings"
)

// ExtractDPs digs the data-point map out of a hub status response,
// which nests it differently across firmware generations.
func ExtractDPs(status map[string]any) map[string]any {
	if dps, ok := status["dps"].(map[string]any); ok {
		return dps
	}
	if data, ok := status["data"].(map[string]any); ok {
		if dps, ok := data["dps"].(map[string]any); ok {
			return dps
		}
	}
	return map[string]any{}
}

// FindOnOffDP picks the data point that toggles power. Known switch
// DPs are preferred, then any boolean DP, then the conventional "1".
func FindOnOffDP(dps map[string]any) string {
	for _, key := range []string{"1", "20", "101"} {
		if _, ok := dps[key].(bool); ok {
			return key
		}
	}
	for key, value := range dps {
		if _, ok := value.(bool); ok {
			return key
		}
	}
	return "1"
}

// FindBrightnessDP picks the data point that carries brightness, or ""
// when the device has no numeric DP at all.
func FindBrightnessDP(dps map[string]any) string {
	for _, key := range []string{"22", "3", "2", "101"} {
		if isNumber(dps[key]) {
			return key
		}
	}
	for key, value := range dps {
		if isNumber(value) {
			return key
		}
	}
	return ""
}

func isNumber(v any) bool {
	switch v.(type) {
	case float64, int:
		return true
	}
	return false
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	}
	return 0, false
}

var lightMarkers = []string{"light", "lamp", "bulb", "led", "rgb", "strip", "colour", "color"}

var lightDPs = []string{"20", "21", "22", "23", "24", "25", "26", "27", "101"}

// IsLikelyLight classifies a hub child as a light by its name or by
// the DP range tuya lighting products use.
func IsLikelyLight(nameBlob string, dps map[string]any) bool {
	blob := strings.ToLower(nameBlob)
	for _, marker := range lightMarkers {
		if strings.Contains(blob, marker) {
			return true
		}
	}
	for _, key := range lightDPs {
		if _, ok := dps[key]; ok {
			return true
		}
	}
	return false
}
