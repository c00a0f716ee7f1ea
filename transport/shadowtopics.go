package transport

import "fmt"

// ShadowTopics is the set of shadow-protocol topics for a single thing,
// formatted with the "-gci" suffix.
type ShadowTopics struct {
	Delta       string
	GetAccepted string
	Get         string
	Update      string
}

// NewShadowTopics builds the topic set for thingName.
func NewShadowTopics(thingName string) ShadowTopics {
	base := fmt.Sprintf("$aws/things/%s-gci/shadow", thingName)
	return ShadowTopics{
		Delta:       base + "/update/delta",
		GetAccepted: base + "/get/accepted",
		Get:         base + "/get",
		Update:      base + "/update",
	}
}
