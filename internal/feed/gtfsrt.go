package feed

import (
	"sort"
	"time"

	gtfs "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/proto"

	"github.com/jusunglee/ttc-go/internal/models"
)

// VehiclesToFeedMessage converts vehicle reports into a GTFS-Realtime
// VehiclePositions feed. Entities are ordered by vehicle id.
func VehiclesToFeedMessage(vehicles map[string]models.Vehicle, now time.Time) *gtfs.FeedMessage {
	ids := make([]string, 0, len(vehicles))
	for id := range vehicles {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	entities := make([]*gtfs.FeedEntity, 0, len(ids))
	for _, id := range ids {
		v := vehicles[id]

		position := &gtfs.Position{
			Latitude:  proto.Float32(float32(v.Lat)),
			Longitude: proto.Float32(float32(v.Lon)),
			// km/h to m/s
			Speed: proto.Float32(float32(v.SpeedKmHr / 3.6)),
		}
		// The feed reports a negative heading when it is unknown
		if v.Heading >= 0 {
			position.Bearing = proto.Float32(float32(v.Heading))
		}

		reported := now.Add(-time.Duration(v.SecsSinceReport) * time.Second)
		entities = append(entities, &gtfs.FeedEntity{
			Id: proto.String(v.ID),
			Vehicle: &gtfs.VehiclePosition{
				Trip: &gtfs.TripDescriptor{
					RouteId: proto.String(v.Route),
				},
				Vehicle: &gtfs.VehicleDescriptor{
					Id:    proto.String(v.ID),
					Label: proto.String(v.ID),
				},
				Position:  position,
				Timestamp: proto.Uint64(uint64(reported.Unix())),
			},
		})
	}

	incrementality := gtfs.FeedHeader_FULL_DATASET
	return &gtfs.FeedMessage{
		Header: &gtfs.FeedHeader{
			GtfsRealtimeVersion: proto.String("2.0"),
			Incrementality:      &incrementality,
			Timestamp:           proto.Uint64(uint64(now.Unix())),
		},
		Entity: entities,
	}
}

// MarshalVehicles encodes vehicle reports as a GTFS-Realtime protobuf
func MarshalVehicles(vehicles map[string]models.Vehicle, now time.Time) ([]byte, error) {
	return proto.Marshal(VehiclesToFeedMessage(vehicles, now))
}
