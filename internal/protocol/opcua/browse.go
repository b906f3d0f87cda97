package opcua

import (
	"context"
	"fmt"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/id"
	"github.com/gopcua/opcua/ua"
)

// browseAddressSpace walks the server's address space starting at the
// Objects root, depth-limited and count-limited, and returns the variable
// nodes discovered as (node id, tag name) pairs.
func browseAddressSpace(ctx context.Context, c *opcua.Client, maxDepth, maxVars int) ([]tag, error) {
	root := ua.NewNumericNodeID(0, id.ObjectsFolder)
	var out []tag
	if err := browseNode(ctx, c, root, "", 0, maxDepth, maxVars, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func browseNode(ctx context.Context, c *opcua.Client, nodeID *ua.NodeID, pathPrefix string, depth, maxDepth, maxVars int, out *[]tag) error {
	if depth > maxDepth || len(*out) >= maxVars {
		return nil
	}

	req := &ua.BrowseRequest{
		NodesToBrowse: []*ua.BrowseDescription{
			{
				NodeID:          nodeID,
				BrowseDirection: ua.BrowseDirectionForward,
				ReferenceTypeID: ua.NewNumericNodeID(0, id.HierarchicalReferences),
				IncludeSubtypes: true,
				NodeClassMask:   uint32(ua.NodeClassObject) | uint32(ua.NodeClassVariable),
				ResultMask:      uint32(ua.BrowseResultMaskAll),
			},
		},
	}

	resp, err := c.Browse(ctx, req)
	if err != nil {
		return fmt.Errorf("browse %s: %w", nodeID, err)
	}
	if len(resp.Results) == 0 {
		return nil
	}

	for _, ref := range resp.Results[0].References {
		if len(*out) >= maxVars {
			return nil
		}

		name := ref.BrowseName.Name
		childPath := name
		if pathPrefix != "" {
			childPath = pathPrefix + "/" + name
		}

		switch ref.NodeClass {
		case ua.NodeClassVariable:
			*out = append(*out, tag{nodeID: ref.NodeID, tagName: childPath})
		case ua.NodeClassObject:
			if err := browseNode(ctx, c, ref.NodeID, childPath, depth+1, maxDepth, maxVars, out); err != nil {
				return err
			}
		}
	}
	return nil
}
