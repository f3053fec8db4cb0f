package model

import (
	"github.com/shopspring/decimal"
)

// DataType is the declared type of a schema property.
type DataType string

const (
	DataTypeBytes   DataType = "BYTES"
	DataTypeBoolean DataType = "BOOLEAN"
	DataTypeNumber  DataType = "NUMBER"
	DataTypeString  DataType = "STRING"
	DataTypeEnum    DataType = "ENUM"
	DataTypeStruct  DataType = "STRUCT"
	DataTypeLatLong DataType = "LAT_LONG"
)

// Valid reports whether d is a known data type.
func (d DataType) Valid() bool {
	switch d {
	case DataTypeBytes, DataTypeBoolean, DataTypeNumber, DataTypeString,
		DataTypeEnum, DataTypeStruct, DataTypeLatLong:
		return true
	default:
		return false
	}
}

// PropertyDefinition declares one property of a schema.
type PropertyDefinition struct {
	Name             string               `json:"name" validate:"required"`
	DataType         DataType             `json:"data_type" validate:"required,datatype"`
	Required         bool                 `json:"required"`
	Description      string               `json:"description,omitempty"`
	NumberExponent   int32                `json:"number_exponent,omitempty"`
	EnumOptions      []string             `json:"enum_options,omitempty"`
	StructProperties []PropertyDefinition `json:"struct_properties,omitempty" validate:"dive"`
}

// LatLong is a coordinate in millionths of a degree.
type LatLong struct {
	Latitude  int64 `json:"latitude" validate:"min=-90000000,max=90000000"`
	Longitude int64 `json:"longitude" validate:"min=-180000000,max=180000000"`
}

// PropertyValue is a typed property value. Exactly the field matching
// DataType is populated; numbers are exact decimals.
type PropertyValue struct {
	Name         string           `json:"name" validate:"required"`
	DataType     DataType         `json:"data_type" validate:"required,datatype"`
	BytesValue   []byte           `json:"bytes_value,omitempty"`
	BooleanValue *bool            `json:"boolean_value,omitempty"`
	NumberValue  *decimal.Decimal `json:"number_value,omitempty"`
	StringValue  string           `json:"string_value,omitempty"`
	EnumValue    *int32           `json:"enum_value,omitempty"`
	StructValues []PropertyValue  `json:"struct_values,omitempty" validate:"dive"`
	LatLongValue *LatLong         `json:"lat_long_value,omitempty"`
}

// NumberProperty builds a NUMBER property value.
func NumberProperty(name string, v decimal.Decimal) PropertyValue {
	return PropertyValue{Name: name, DataType: DataTypeNumber, NumberValue: &v}
}

// StringProperty builds a STRING property value.
func StringProperty(name, v string) PropertyValue {
	return PropertyValue{Name: name, DataType: DataTypeString, StringValue: v}
}

// BoolProperty builds a BOOLEAN property value.
func BoolProperty(name string, v bool) PropertyValue {
	return PropertyValue{Name: name, DataType: DataTypeBoolean, BooleanValue: &v}
}

// populatedMatches reports whether the populated value field agrees with DataType.
func (p PropertyValue) populatedMatches() bool {
	switch p.DataType {
	case DataTypeNumber:
		return p.NumberValue != nil
	case DataTypeBoolean:
		return p.BooleanValue != nil
	case DataTypeEnum:
		return p.EnumValue != nil
	case DataTypeLatLong:
		return p.LatLongValue != nil
	case DataTypeStruct:
		return p.StringValue == "" && p.NumberValue == nil
	case DataTypeBytes, DataTypeString:
		return p.NumberValue == nil && p.BooleanValue == nil && p.EnumValue == nil && p.LatLongValue == nil
	default:
		return false
	}
}
