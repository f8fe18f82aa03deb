// Command tonearm controls the tonearm playback daemon: lifecycle, status,
// equalizer, presets, mix settings, output devices and logs.
package main
