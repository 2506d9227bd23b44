package tile

import "fmt"

// Channel identifies a per-pixel quantity the mapper can feed to the model.
type Channel int

const (
	// ChannelReproject is the reprojected previous shading, zero where
	// history is invalid.
	ChannelReproject Channel = iota

	// ChannelValid is 1 where history is valid, 0 elsewhere.
	ChannelValid

	// ChannelDiffuse is the current diffuse albedo/lighting.
	ChannelDiffuse

	// ChannelSpecular is the current specular term.
	ChannelSpecular

	// ChannelShadow is the current shadow visibility.
	ChannelShadow

	// ChannelNormalX, ChannelNormalY and ChannelNormalZ are the view-space
	// normal components.
	ChannelNormalX
	ChannelNormalY
	ChannelNormalZ

	// ChannelColor is the current shading signal.
	ChannelColor

	// ChannelMotionX and ChannelMotionY are screen-space motion in pixels.
	ChannelMotionX
	ChannelMotionY
)

var channelNames = map[string]Channel{
	"reproject": ChannelReproject,
	"valid":     ChannelValid,
	"diffuse":   ChannelDiffuse,
	"specular":  ChannelSpecular,
	"shadow":    ChannelShadow,
	"normal_x":  ChannelNormalX,
	"normal_y":  ChannelNormalY,
	"normal_z":  ChannelNormalZ,
	"color":     ChannelColor,
	"motion_x":  ChannelMotionX,
	"motion_y":  ChannelMotionY,
}

// ParseChannel resolves a model artifact channel name.
func ParseChannel(name string) (Channel, error) {
	c, ok := channelNames[name]
	if !ok {
		return 0, fmt.Errorf("%w: unknown input channel %q", ErrGeometry, name)
	}
	return c, nil
}

// String returns the artifact name of the channel.
func (c Channel) String() string {
	for n, k := range channelNames {
		if k == c {
			return n
		}
	}
	return fmt.Sprintf("Channel(%d)", int(c))
}
