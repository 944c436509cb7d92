package pecron

import (
	"fmt"
	"strings"
)

type Region string

const (
	RegionCN Region = "CN"
	RegionEU Region = "EU"
	RegionUS Region = "US"
)

type regionConfig struct {
	host             string
	websocketURL     string
	description      string
	userDomain       string
	userDomainSecret string
}

var regions = map[Region]regionConfig{
	RegionCN: {
		host:             "iot-api.quectelcn.com",
		websocketURL:     "wss://iot-south.quectelcn.com:8443/ws/v2",
		description:      "China",
		userDomain:       "C.DM.5903.1",
		userDomainSecret: "EufftRJSuWuVY7c6txzGifV9bJcfXHAFa7hXY5doXSn7",
	},
	RegionEU: {
		host:             "iot-api.acceleronix.io",
		websocketURL:     "wss://iot-south.acceleronix.io:8443/ws/v2",
		description:      "Europe",
		userDomain:       "C.DM.10351.1",
		userDomainSecret: "FA5ZHXSka8y9GHvU91Hz1vWvaDSHE2mGW5B7bpn3fXTW",
	},
	RegionUS: {
		host:             "iot-api.landecia.com",
		websocketURL:     "wss://iot-south.landecia.com:8443/ws/v2",
		description:      "United States",
		userDomain:       "U.DM.10351.1",
		userDomainSecret: "HARsQXfeex8vxyaPRAM8fyjqqVuH2uxAGQ3inJ8XxTiB",
	},
}

// Regions returns every supported region in a stable order.
func Regions() []Region {
	return []Region{RegionCN, RegionEU, RegionUS}
}

// ParseRegion accepts a region code in any case.
func ParseRegion(s string) (Region, error) {
	r := Region(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := regions[r]; !ok {
		return "", fmt.Errorf("unknown region %q (must be one of CN, EU, US)", s)
	}
	return r, nil
}

func (r Region) Valid() bool {
	_, ok := regions[r]
	return ok
}

// Host is the API host for the region, or "" for an unknown region.
func (r Region) Host() string {
	return regions[r].host
}

func (r Region) BaseURL() string {
	return "https://" + r.Host()
}

func (r Region) WebsocketURL() string {
	return regions[r].websocketURL
}

func (r Region) Description() string {
	return regions[r].description
}

func (r Region) String() string {
	return string(r)
}
