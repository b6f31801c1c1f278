package export

import (
	"bufio"
	"fmt"
	"os"
	"time"

	"ble-tracker/internal/geom"
)

// WriteKML writes the track and the anchors as a KML document for Google Earth
func WriteKML(filename, session string, track []Point, anchors []geom.Point, origin Origin) error {
	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create KML file: %w", err)
	}
	defer file.Close()
	w := bufio.NewWriter(file)

	fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?>
<kml xmlns="http://www.opengis.net/kml/2.2">
  <Document>
    <name>BLE track %s</name>
    <description>%d estimates</description>
    <Style id="anchorStyle">
      <IconStyle>
        <Icon>
          <href>http://maps.google.com/mapfiles/kml/shapes/placemark_circle.png</href>
        </Icon>
        <color>ff00ff00</color>
      </IconStyle>
    </Style>
    <Style id="trackStyle">
      <LineStyle>
        <color>ff0000ff</color>
        <width>2</width>
      </LineStyle>
    </Style>
`, session, len(track))

	for i, a := range anchors {
		g := origin.ToGeo(a)
		fmt.Fprintf(w, `    <Placemark>
      <name>Anchor %d</name>
      <description>%s m</description>
      <styleUrl>#anchorStyle</styleUrl>
      <Point>
        <coordinates>%.8f,%.8f,%.1f</coordinates>
      </Point>
    </Placemark>
`, i+1, a, g.Lon(), g.Lat(), origin.Altitude)
	}

	if len(track) > 0 {
		first, last := track[0], track[len(track)-1]
		fmt.Fprintf(w, `    <Placemark>
      <name>Track</name>
      <description>cycles %d to %d</description>
      <TimeSpan>
        <begin>%s</begin>
        <end>%s</end>
      </TimeSpan>
      <styleUrl>#trackStyle</styleUrl>
      <LineString>
        <altitudeMode>clampToGround</altitudeMode>
        <coordinates>
`, first.Cycle, last.Cycle, first.Time.UTC().Format(time.RFC3339), last.Time.UTC().Format(time.RFC3339))
		for _, p := range track {
			g := origin.ToGeo(p.Position)
			fmt.Fprintf(w, "          %.8f,%.8f,%.1f\n", g.Lon(), g.Lat(), origin.Altitude)
		}
		fmt.Fprintf(w, `        </coordinates>
      </LineString>
    </Placemark>
`)
	}

	fmt.Fprintf(w, "  </Document>\n</kml>\n")
	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to write KML: %w", err)
	}
	return nil
}
