//go:build pitdebug

package i8254

const strictPorts = true
