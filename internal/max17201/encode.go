package max17201

import (
	"math"

	"periph.io/x/conn/v3/physic"
)

func ohms(r physic.ElectricResistance) float64 {
	return float64(r) / float64(physic.Ohm)
}

func amperes(i physic.ElectricCurrent) float64 {
	return float64(i) / float64(physic.Ampere)
}

func volts(v physic.ElectricPotential) float64 {
	return float64(v) / float64(physic.Volt)
}

func celsius(t physic.Temperature) float64 {
	return float64(t-physic.ZeroCelsius) / float64(physic.Kelvin)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// rawToCapacity converts a capacity register to mAh.
func rawToCapacity(raw uint16, rsense physic.ElectricResistance) float64 {
	return float64(raw) * capacityLSBVh * 1000 / ohms(rsense)
}

func capacityToRaw(mAh float64, rsense physic.ElectricResistance) uint16 {
	return uint16(clamp(math.Round(mAh*ohms(rsense)/(capacityLSBVh*1000)), 0, math.MaxUint16))
}

func rawToCurrent(raw int16, rsense physic.ElectricResistance) physic.ElectricCurrent {
	a := float64(raw) * currentLSBVolt / ohms(rsense)
	return physic.ElectricCurrent(math.Round(a * float64(physic.Ampere)))
}

func currentToRaw(i physic.ElectricCurrent, rsense physic.ElectricResistance) int16 {
	lsb := currentLSBVolt / ohms(rsense)
	return int16(clamp(math.Round(amperes(i)/lsb), math.MinInt16, math.MaxInt16))
}

// vEmptyToRaw packs VE (10 mV/LSB, bits 15:7) with the default recovery
// voltage.
func vEmptyToRaw(v physic.ElectricPotential) uint16 {
	ve := clamp(math.Round(volts(v)*1000/vEmptyLSBMilliVolt), 0, 0x1FF)
	return uint16(ve)<<7 | vRecoveryDefault
}

func rsenseToRaw(r physic.ElectricResistance) uint16 {
	uo := float64(r) / float64(physic.MicroOhm)
	return uint16(clamp(math.Round(uo/rsenseLSBMicroOhm), 0, math.MaxUint16))
}

// packBytes puts max in the high byte and min in the low byte.
func packBytes(max, min byte) uint16 {
	return uint16(max)<<8 | uint16(min)
}

func voltageAlertByte(v physic.ElectricPotential) byte {
	return byte(clamp(math.Round(volts(v)*1000/vAlrtLSBMilliVolt), 0, 255))
}

func temperatureAlertByte(t physic.Temperature) byte {
	return byte(int8(clamp(math.Round(celsius(t)), math.MinInt8, math.MaxInt8)))
}

func currentAlertByte(i physic.ElectricCurrent, rsense physic.ElectricResistance) byte {
	lsb := currentAlrtLSBVolt / ohms(rsense)
	return byte(int8(clamp(math.Round(amperes(i)/lsb), math.MinInt8, math.MaxInt8)))
}

// currentAlertLSB is one IAlrtTh step for rsense.
func currentAlertLSB(rsense physic.ElectricResistance) physic.ElectricCurrent {
	return physic.ElectricCurrent(math.Round(currentAlrtLSBVolt / ohms(rsense) * float64(physic.Ampere)))
}

func socAlertByte(percent float64) byte {
	return byte(clamp(math.Round(percent), 0, 255))
}
