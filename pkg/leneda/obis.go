package leneda

import (
	"strings"

	"github.com/raterudder/energybill/pkg/types"
)

// OBIS codes of the quantities the Leneda platform publishes.
const (
	OBISConsumption         = "1-1:1.29.0"
	OBISProduction          = "1-1:2.29.0"
	OBISReactiveConsumption = "1-1:3.29.0"
	OBISReactiveProduction  = "1-1:4.29.0"

	OBISConsumptionCoveredL1 = "1-65:1.29.1"
	OBISConsumptionCoveredL2 = "1-65:1.29.3"
	OBISConsumptionCoveredL3 = "1-65:1.29.2"
	OBISConsumptionCoveredL4 = "1-65:1.29.4"
	OBISConsumptionRemaining = "1-65:1.29.9"

	OBISProductionSharedL1 = "1-65:2.29.1"
	OBISProductionSharedL2 = "1-65:2.29.3"
	OBISProductionSharedL3 = "1-65:2.29.2"
	OBISProductionSharedL4 = "1-65:2.29.4"
	// OBISExport is the production left after community sharing, i.e. what
	// is sold to the grid.
	OBISExport = "1-65:2.29.9"

	OBISGasVolume         = "7-1:99.23.15"
	OBISGasStandardVolume = "7-1:99.23.17"
	OBISGasEnergy         = "7-20:99.33.17"
)

// OBISInfo describes an OBIS code.
type OBISInfo struct {
	Name string `json:"name"`
	Unit string `json:"unit"`
}

// Catalog lists every OBIS code the client knows about.
var Catalog = map[string]OBISInfo{
	OBISConsumption:          {"Measured Active Consumption", "kW"},
	OBISProduction:           {"Measured Active Production", "kW"},
	OBISReactiveConsumption:  {"Measured Reactive Consumption", "kVAR"},
	OBISReactiveProduction:   {"Measured Reactive Production", "kVAR"},
	OBISConsumptionCoveredL1: {"Consumption Covered by Production (Layer 1)", "kW"},
	OBISConsumptionCoveredL2: {"Consumption Covered by Production (Layer 2)", "kW"},
	OBISConsumptionCoveredL3: {"Consumption Covered by Production (Layer 3)", "kW"},
	OBISConsumptionCoveredL4: {"Consumption Covered by Production (Layer 4)", "kW"},
	OBISConsumptionRemaining: {"Remaining Consumption After Sharing", "kW"},
	OBISProductionSharedL1:   {"Production Shared (Layer 1)", "kW"},
	OBISProductionSharedL2:   {"Production Shared (Layer 2)", "kW"},
	OBISProductionSharedL3:   {"Production Shared (Layer 3)", "kW"},
	OBISProductionSharedL4:   {"Production Shared (Layer 4)", "kW"},
	OBISExport:               {"Remaining Production After Sharing", "kW"},
	OBISGasVolume:            {"Measured Consumed Volume", "m³"},
	OBISGasStandardVolume:    {"Measured Consumed Standard Volume", "Nm³"},
	OBISGasEnergy:            {"Measured Consumed Energy", "kWh"},
}

var (
	consumptionSharingCodes = []string{OBISConsumptionCoveredL1, OBISConsumptionCoveredL2, OBISConsumptionCoveredL3, OBISConsumptionCoveredL4}
	productionSharingCodes  = []string{OBISProductionSharedL1, OBISProductionSharedL2, OBISProductionSharedL3, OBISProductionSharedL4}
)

// IsProductionOBIS returns true for codes measured on the production side.
func IsProductionOBIS(obis string) bool {
	return strings.HasPrefix(obis, "1-1:2.") || strings.HasPrefix(obis, "1-1:4.") || strings.HasPrefix(obis, "1-65:2.")
}

// IsGasOBIS returns true for gas codes.
func IsGasOBIS(obis string) bool {
	return strings.HasPrefix(obis, "7-")
}

// MeterForOBIS picks the metering point a code must be queried on: gas
// codes go to the first gas meter, production codes to the first production
// meter and everything else to the first consumption meter. When no meter
// has the needed role the first consumption meter, or else the first meter,
// is used.
func MeterForOBIS(meters []types.MeterDescriptor, obis string) string {
	first := func(t types.MeterType) (string, bool) {
		for _, m := range meters {
			if m.Has(t) {
				return m.ID, true
			}
		}
		return "", false
	}
	if IsGasOBIS(obis) {
		if id, ok := first(types.MeterTypeGas); ok {
			return id
		}
	}
	if IsProductionOBIS(obis) {
		if id, ok := first(types.MeterTypeProduction); ok {
			return id
		}
	}
	if id, ok := first(types.MeterTypeConsumption); ok {
		return id
	}
	if len(meters) > 0 {
		return meters[0].ID
	}
	return ""
}
