// Package transports imports every built-in transport for its registration
// side effect.
package transports

import (
	_ "github.com/drblury/flowdispatch/transport/aws"
	_ "github.com/drblury/flowdispatch/transport/channel"
	_ "github.com/drblury/flowdispatch/transport/file"
	_ "github.com/drblury/flowdispatch/transport/http"
	_ "github.com/drblury/flowdispatch/transport/kafka"
	_ "github.com/drblury/flowdispatch/transport/nats"
	_ "github.com/drblury/flowdispatch/transport/rabbitmq"
)
