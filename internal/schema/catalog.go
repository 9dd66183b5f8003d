package schema

import "meterdesk/internal/model"

var (
	onlyMain    = model.NewLevelSet(model.LevelMain)
	onlySub     = model.NewLevelSet(model.LevelSub)
	mainSub     = model.NewLevelSet(model.LevelMain, model.LevelSub)
	subPart     = model.NewLevelSet(model.LevelSub, model.LevelPart)
	everyLevel  = model.AllLevels
	yesNoOption = []Option{{Label: "Yes", Value: "yes"}, {Label: "No", Value: "no"}}
)

// DefaultFields 内置字段目录：一个新能源发电站点的客户资料
func DefaultFields() []FieldDefinition {
	return []FieldDefinition{
		{ID: model.FieldName, Label: "Name", Type: TypeText, AppliesTo: everyLevel, Required: true, Identity: true},
		{ID: "clientCode", Label: "Client Code", Type: TypeText, AppliesTo: onlyMain, Required: true},
		{ID: "contact.person", Label: "Contact Person", Type: TypeText, AppliesTo: mainSub},
		{ID: "contact.phone", Label: "Contact Phone", Type: TypePhone, AppliesTo: mainSub, Required: true},
		{ID: "contact.email", Label: "Contact Email", Type: TypeEmail, AppliesTo: mainSub},
		{ID: "gstNumber", Label: "GST Number", Type: TypeText, AppliesTo: onlyMain},
		{ID: "discom", Label: "DISCOM", Type: TypeEnum, AppliesTo: everyLevel, Required: true, Identity: true,
			Default: "other",
			Options: []Option{
				{Label: "MSEDCL", Value: "msedcl"},
				{Label: "BESCOM", Value: "bescom"},
				{Label: "TANGEDCO", Value: "tangedco"},
				{Label: "Adani Electricity", Value: "adani"},
				{Label: "Tata Power", Value: "tatapower"},
				{Label: "Other", Value: "other"},
			}},
		{ID: "address.line1", Label: "Address", Type: TypeText, AppliesTo: everyLevel, Identity: true},
		{ID: "address.city", Label: "City", Type: TypeText, AppliesTo: everyLevel, Required: true, Identity: true},
		{ID: "address.state", Label: "State", Type: TypeText, AppliesTo: everyLevel, Required: true, Identity: true},
		{ID: "address.pincode", Label: "Pincode", Type: TypeText, AppliesTo: everyLevel, Identity: true},
		{ID: "consumerNumber", Label: "Consumer Number", Type: TypeText, AppliesTo: subPart, Required: true, Identity: true},
		{ID: "meterNumber", Label: "Meter Number", Type: TypeText, AppliesTo: onlySub, Required: true},
		{ID: "connectionType", Label: "Connection Type", Type: TypeEnum, AppliesTo: onlySub, Default: "lt",
			Options: []Option{{Label: "High Tension", Value: "ht"}, {Label: "Low Tension", Value: "lt"}}},
		{ID: "mf", Label: "MF", Type: TypeNumber, AppliesTo: onlySub, Default: "1"},
		{ID: "plantType", Label: "Plant Type", Type: TypeEnum, AppliesTo: mainSub, Default: "solar",
			Options: []Option{
				{Label: "Solar", Value: "solar"},
				{Label: "Wind", Value: "wind"},
				{Label: "Hybrid", Value: "hybrid"},
			}},
		{ID: model.FieldACCapacity, Label: "AC Capacity (kW)", Type: TypeNumber, AppliesTo: mainSub, Required: true,
			ComputedAt: onlyMain, Overridable: true},
		{ID: model.FieldDCCapacity, Label: "DC Capacity (kWp)", Type: TypeNumber, AppliesTo: mainSub, Required: true,
			ComputedAt: onlyMain, Overridable: true},
		{ID: model.FieldDCACRatio, Label: "DC/AC Ratio", Type: TypeNumber, AppliesTo: mainSub, ComputedAt: mainSub},
		{ID: model.FieldModuleCount, Label: "Module Count", Type: TypeNumber, AppliesTo: mainSub, ComputedAt: onlyMain},
		{ID: model.FieldInverterCount, Label: "Inverter Count", Type: TypeNumber, AppliesTo: mainSub, ComputedAt: onlyMain},
		{ID: model.FieldSharingPercentage, Label: "Sharing Percentage", Type: TypeNumber, AppliesTo: everyLevel,
			Required: true, ComputedAt: mainSub},
		{ID: model.FieldHasSplit, Label: "Has Split", Type: TypeEnum, AppliesTo: onlySub, Default: "no", Options: yesNoOption},
		{ID: "commissioningDate", Label: "Commissioning Date", Type: TypeText, AppliesTo: mainSub},
		{ID: "tariff.rate", Label: "Tariff Rate", Type: TypeNumber, AppliesTo: subPart},
		{ID: "remarks", Label: "Remarks", Type: TypeText, AppliesTo: everyLevel},
	}
}

// Default 内置注册表
func Default() *Registry {
	return MustRegistry(DefaultFields())
}
