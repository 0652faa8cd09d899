package fmxxx

// AVL IO ids (FMB/FMC family) read by the location source.
const (
	Ignition   = 239
	Movement   = 240
	GnssStatus = 69
	GnssPDOP   = 181
	GnssHDOP   = 182 // en décimas
)

// Valores de GnssStatus.
const (
	GnssOff        = 0
	GnssOnFix      = 1
	GnssOnNoFix    = 2
	GnssSleep      = 3
	GnssOnFixValid = 4 // algunos firmwares reportan 4 con fix válido
)
