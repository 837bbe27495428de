package main

import (
	"fmt"

	rabbitmqTransport "github.com/glimte/typedmq/transports/rabbitmq"
)

type declareRequest struct {
	exchange     string
	exchangeType string
	queue        string
	bindings     []string
	durable      bool
	deadLetter   bool
}

func buildTopology(req declareRequest) (rabbitmqTransport.Topology, error) {
	var topology rabbitmqTransport.Topology

	if req.exchange != "" {
		topology.Exchanges = append(topology.Exchanges, rabbitmqTransport.ExchangeDeclaration{
			Name:    req.exchange,
			Type:    req.exchangeType,
			Durable: req.durable,
		})
	}

	if req.queue != "" {
		if req.deadLetter {
			dl := rabbitmqTransport.DeadLetterTopology(req.queue, req.queue+".dlx", req.queue+".dlq")
			topology.Exchanges = append(topology.Exchanges, dl.Exchanges...)
			topology.Queues = append(topology.Queues, dl.Queues...)
			topology.Bindings = append(topology.Bindings, dl.Bindings...)
		} else {
			topology.Queues = append(topology.Queues, rabbitmqTransport.QueueDeclaration{
				Name:    req.queue,
				Durable: req.durable,
			})
		}
	} else if req.deadLetter {
		return topology, fmt.Errorf("--dead-letter needs --queue")
	}

	if len(req.bindings) > 0 {
		if req.queue == "" || req.exchange == "" {
			return topology, fmt.Errorf("--bind needs both --queue and --exchange")
		}
		for _, key := range req.bindings {
			topology.Bindings = append(topology.Bindings, rabbitmqTransport.Binding{
				Queue:      req.queue,
				Exchange:   req.exchange,
				RoutingKey: key,
			})
		}
	}

	if len(topology.Exchanges)+len(topology.Queues) == 0 {
		return topology, fmt.Errorf("nothing to declare: pass --exchange or --queue")
	}
	return topology, nil
}
