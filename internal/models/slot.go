package models

// MaxModels is the largest number of models a session may compare.
const MaxModels = 8

// MinModels is the smallest number of models a session may compare.
const MinModels = 2

// SlotLabel maps a zero-based model position to its blind label ("A".."H").
func SlotLabel(i int) string {
	if i < 0 || i >= MaxModels {
		return ""
	}
	return string(rune('A' + i))
}
