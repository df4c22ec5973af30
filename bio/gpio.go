package bio

// gpioState is the fabric-wide GPIO snapshot the cores bit-bang through
// magic registers x21 (output), x24 (drive-enable select), and x26
// (output mask).
type gpioState struct {
	output      uint32
	driveEnable uint32
	outputMask  uint32
}

// SetGPIOMask sets the bits of the GPIO output word a core's writes are
// permitted to affect (magic register x26).
func (f *Fabric) SetGPIOMask(mask uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gpio.outputMask = mask
}

// SetGPIODriveEnable selects which GPIO pins this core drives, as
// opposed to merely sampling (magic register x24).
func (f *Fabric) SetGPIODriveEnable(enable uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gpio.driveEnable = enable
}

// WriteGPIO writes value to the GPIO output register, restricted to the
// bits selected by the most recent SetGPIOMask (magic register x21,
// write side).
func (f *Fabric) WriteGPIO(value uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gpio.output = (f.gpio.output &^ f.gpio.outputMask) | (value & f.gpio.outputMask)
}

// ReadGPIO reads the current GPIO output register (magic register x21,
// read side).
func (f *Fabric) ReadGPIO() uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gpio.output
}
