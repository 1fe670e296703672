package max17201

// I2C addresses. Registers 0x000-0x0FF live behind Addr, the shadow RAM
// block 0x180-0x1FF behind NVAddr.
const (
	Addr   = 0x36
	NVAddr = 0x0B
)

// Register map (9-bit register addresses).
const (
	regStatus     = 0x000
	regVAlrtTh    = 0x001
	regTAlrtTh    = 0x002
	regSAlrtTh    = 0x003
	regRepCap     = 0x005
	regRepSOC     = 0x006
	regTemp       = 0x008
	regVCell      = 0x009
	regCurrent    = 0x00A
	regFullCapRep = 0x010
	regConfig     = 0x01D
	regDevName    = 0x021
	regFStat      = 0x03D
	regIAlrtTh    = 0x0AC
	regConfig2    = 0x0BB

	regNIChgTerm  = 0x19C
	regNVEmpty    = 0x19E
	regNDesignCap = 0x1B3
	regNPackCfg   = 0x1B5
	regNRSense    = 0x1CF
)

// Status register bits as laid out by the device.
const (
	StatusPOR   uint16 = 1 << 1
	StatusImn   uint16 = 1 << 2
	StatusBst   uint16 = 1 << 3
	StatusImx   uint16 = 1 << 6
	StatusDSOCi uint16 = 1 << 7
	StatusVmn   uint16 = 1 << 8
	StatusTmn   uint16 = 1 << 9
	StatusSmn   uint16 = 1 << 10
	StatusBi    uint16 = 1 << 11
	StatusVmx   uint16 = 1 << 12
	StatusTmx   uint16 = 1 << 13
	StatusSmx   uint16 = 1 << 14
	StatusBr    uint16 = 1 << 15
)

// Config register bits.
const (
	configBer uint16 = 1 << 0
	configBei uint16 = 1 << 1
	configAen uint16 = 1 << 2
	configTex uint16 = 1 << 8
	configTen uint16 = 1 << 9
)

const (
	fstatDNR      uint16 = 1 << 0
	config2PORCmd uint16 = 1 << 0
)

// nPackCfg fields.
const (
	packCfgCellsMask uint16 = 0x000F
	packCfgTdEn      uint16 = 1 << 10
	packCfgA1En      uint16 = 1 << 11
	packCfgA2En      uint16 = 1 << 12
)

// Register values that leave a comparator disarmed.
const (
	vAlrtDisabled = 0xFF00
	tAlrtDisabled = 0x7F80
	sAlrtDisabled = 0xFF00
	iAlrtDisabled = 0x7F80
)

// LSB weights. Capacity and current scale with the sense resistor.
const (
	vcellLSBNanoVolt   = 78125 // 78.125 uV
	capacityLSBVh      = 5e-6  // 5.0 uVh / Rsense
	currentLSBVolt     = 1.5625e-6
	currentAlrtLSBVolt = 400e-6
	vAlrtLSBMilliVolt  = 20
	vEmptyLSBMilliVolt = 10
	vRecoveryDefault   = 97 // 3.88 V at 40 mV/LSB
	rsenseLSBMicroOhm  = 10
)
