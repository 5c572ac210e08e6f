package epd

// Controller commands used by the 7.3" six-color panel (AC073TC1 family).
const (
	cmdPanelSetting    = 0x00
	cmdPowerSetting    = 0x01
	cmdPowerOff        = 0x02
	cmdPowerOffSeq     = 0x03
	cmdPowerOn         = 0x04
	cmdBoosterSoft1    = 0x05
	cmdBoosterSoft2    = 0x06
	cmdDeepSleep       = 0x07
	cmdBoosterSoft3    = 0x08
	cmdDataStart       = 0x10
	cmdDisplayRefresh  = 0x12
	cmdPLL             = 0x30
	cmdVcomDataIntvl   = 0x50
	cmdTCON            = 0x60
	cmdResolution      = 0x61
	cmdTVDCS           = 0x84
	cmdPowerSaving     = 0xE3
	cmdCommandHeader   = 0xAA
	deepSleepCheckCode = 0xA5
)

// step is one command with its data bytes.
type step struct {
	cmd  byte
	data []byte
}

// initSequence is the vendor register table written after reset. The values
// are opaque and must be sent byte for byte.
var initSequence = []step{
	{cmdCommandHeader, []byte{0x49, 0x55, 0x20, 0x08, 0x09, 0x18}},
	{cmdPowerSetting, []byte{0x3F}},
	{cmdPanelSetting, []byte{0x5F, 0x69}},
	{cmdPowerOffSeq, []byte{0x00, 0x54, 0x00, 0x44}},
	{cmdBoosterSoft1, []byte{0x40, 0x1F, 0x1F, 0x2C}},
	{cmdBoosterSoft2, []byte{0x6F, 0x1F, 0x17, 0x49}},
	{cmdBoosterSoft3, []byte{0x6F, 0x1F, 0x1F, 0x22}},
	{cmdPLL, []byte{0x03}},
	{cmdVcomDataIntvl, []byte{0x3F}},
	{cmdTCON, []byte{0x02, 0x00}},
	{cmdResolution, []byte{0x03, 0x20, 0x01, 0xE0}}, // 800 x 480
	{cmdTVDCS, []byte{0x01}},
	{cmdPowerSaving, []byte{0x2F}},
}

// refreshBooster is re-sent before every refresh.
var refreshBooster = []byte{0x6F, 0x1F, 0x17, 0x49}
