// Package media is the demonstration GraphQL schema: who am I, and the
// images registered from uploads.
package media

// Schema is the SDL served at /graphql.
const Schema = `
schema {
  query: Query
  mutation: Mutation
}

# Read access to the caller and registered images.
type Query {
  # The caller as seen by the auth gate.
  viewer: Viewer!
  # An image by its stored name.
  image(name: String!): Image
  # Newest images first.
  images(limit: Int = 20): [Image!]!
}

type Mutation {
  # Registers the image uploaded in the same multipart request.
  # Requires authentication.
  registerImage(caption: String): Image!
}

type Viewer {
  authenticated: Boolean!
  userId: String
}

type Image {
  id: ID!
  # Stored name, prefixed with the upload timestamp.
  name: String!
  # Path the image is served from.
  url: String!
  mimeType: String!
  sizeBytes: Int!
  caption: String
  ownerId: String
  # UTC, millisecond precision, same layout as the stored name prefix.
  createdAt: String!
}
`
